// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
)

const (
	testMMToken   = "bot-token"
	testBotID     = "bot-user-id"
	testChannel   = "relay-channel"
	testMXUser    = "@relay:hs.example"
	testMXToken   = "syt_valid"
	testMXRoom    = "!room:hs.example"
	testHookToken = "hook-token"
)

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records created posts and serves them back.
type fakeMM struct {
	Server *httptest.Server

	mu      sync.Mutex
	nextID  int
	posts   map[string]*model.Post
	created []*model.Post
}

func newFakeMM(t *testing.T) *fakeMM {
	t.Helper()
	f := &fakeMM{posts: make(map[string]*model.Post)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) AddPost(post *model.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[post.Id] = post
}

func (f *fakeMM) Created() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Post(nil), f.created...)
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if auth := r.Header.Get("Authorization"); auth != "BEARER "+testMMToken && auth != "Bearer "+testMMToken {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
		return
	}
	path := r.URL.Path
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		_ = json.NewEncoder(w).Encode(&model.User{Id: testBotID, Username: "relay-bot"})

	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.nextID++
		post.Id = "created-" + strconv.Itoa(f.nextID)
		f.posts[post.Id] = &post
		f.created = append(f.created, &post)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/posts/"):
		if post, ok := f.posts[strings.TrimPrefix(path, "/api/v4/posts/")]; ok {
			_ = json.NewEncoder(w).Encode(post)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found"})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// fakeHomeserver serves a password login, one incoming message and then
// empty long polls.
type fakeHomeserver struct {
	Server *httptest.Server

	mu   sync.Mutex
	sent []map[string]any
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	f := &fakeHomeserver{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Server.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeHomeserver) Sent() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sent...)
}

func (f *fakeHomeserver) handle(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/_matrix/client/v3/login" {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != "hunter2" {
			writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN", "error": "Invalid login"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"user_id": testMXUser, "access_token": testMXToken, "device_id": "DEV"})
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+testMXToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"errcode": "M_UNKNOWN_TOKEN", "error": "Unknown token"})
		return
	}

	switch {
	case path == "/_matrix/client/v3/account/whoami":
		writeJSON(w, http.StatusOK, map[string]string{"user_id": testMXUser, "device_id": "DEV"})
	case strings.HasSuffix(path, "/filter"):
		writeJSON(w, http.StatusOK, map[string]string{"filter_id": "1"})
	case path == "/_matrix/client/v3/sync":
		f.handleSync(w, r)
	case strings.Contains(path, "/send/m.room.message/"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.sent = append(f.sent, body)
		n := len(f.sent)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$sent" + strconv.Itoa(n)})
	case strings.Contains(path, "/receipt/") || strings.HasSuffix(path, "/read_markers"):
		writeJSON(w, http.StatusOK, map[string]any{})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_UNRECOGNIZED", "error": "unknown endpoint"})
	}
}

func (f *fakeHomeserver) handleSync(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("since") {
	case "":
		writeJSON(w, http.StatusOK, map[string]any{"next_batch": "b1"})
	case "b1":
		writeJSON(w, http.StatusOK, map[string]any{
			"next_batch": "b2",
			"rooms": map[string]any{"join": map[string]any{testMXRoom: map[string]any{
				"timeline": map[string]any{"events": []any{map[string]any{
					"type":             "m.room.message",
					"event_id":         "$incoming",
					"sender":           "@alice:hs.example",
					"origin_server_ts": 1700000000000,
					"content":          map[string]any{"msgtype": "m.text", "body": "hello from matrix"},
				}}},
			}}},
		})
	default:
		select {
		case <-r.Context().Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
		writeJSON(w, http.StatusOK, map[string]any{"next_batch": "b2"})
	}
}
