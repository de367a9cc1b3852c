// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-mattermost-relay/pkg/router"
)

const (
	testToken  = "bot-token"
	testBotID  = "bot-user-id"
	testBot    = "relay-bot"
	testChanID = "relay-channel"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and stores created posts.
type fakeMM struct {
	Server *httptest.Server

	mu     sync.Mutex
	calls  []endpointCall
	nextID int

	// Posts maps post ID to stored posts for GetPost responses.
	Posts map[string]*model.Post
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Posts:         make(map[string]*model.Post),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) AddPost(post *model.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Posts[post.Id] = post
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CreatedPosts returns the posts created through the API, in order.
func (f *fakeMM) CreatedPosts() []*model.Post {
	var posts []*model.Post
	for _, c := range f.Calls() {
		if c.Method == http.MethodPost && c.Path == "/api/v4/posts" {
			var post model.Post
			_ = json.Unmarshal([]byte(c.Body), &post)
			posts = append(posts, &post)
		}
	}
	return posts
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path

	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: path, Body: string(body)})
	fail := false
	for prefix := range f.FailEndpoints {
		if strings.Contains(path, prefix) {
			fail = true
		}
	}
	f.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
		return
	}
	auth := r.Header.Get("Authorization")
	if auth != "BEARER "+testToken && auth != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
		return
	}

	switch {
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		_ = json.NewEncoder(w).Encode(&model.User{Id: testBotID, Username: testBot})

	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.mu.Lock()
		if parent, ok := f.Posts[post.RootId]; ok && parent.RootId != "" {
			f.mu.Unlock()
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "Invalid RootId parameter."})
			return
		}
		f.nextID++
		post.Id = "created-" + strconv.Itoa(f.nextID)
		f.Posts[post.Id] = &post
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/posts/"):
		id := strings.TrimPrefix(path, "/api/v4/posts/")
		f.mu.Lock()
		post, ok := f.Posts[id]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(post)

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

func newTestClient(f *fakeMM) *Client {
	return NewClient(f.Server.URL, testToken, zerolog.Nop())
}

// recordingDispatcher captures dispatched updates.
type recordingDispatcher struct {
	mu      sync.Mutex
	updates []router.Update
	refuse  bool
}

func (d *recordingDispatcher) Dispatch(upd router.Update) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refuse {
		return router.ErrClosed
	}
	d.updates = append(d.updates, upd)
	return nil
}

func (d *recordingDispatcher) Updates() []router.Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]router.Update(nil), d.updates...)
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}
