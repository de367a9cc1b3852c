// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-mattermost-relay/pkg/mapping"
	"github.com/aiku/mautrix-mattermost-relay/pkg/router"
)

const (
	webhookToken  = "hook-token"
	webhookSecret = "s3cret"
)

type gatewayHarness struct {
	gw       *Gateway
	mux      *http.ServeMux
	dispatch *recordingDispatcher
}

func newGatewayHarness(t *testing.T, mutate func(*GatewayConfig)) *gatewayHarness {
	t.Helper()
	cfg := GatewayConfig{
		Token:   webhookToken,
		Secret:  webhookSecret,
		Channel: testChanID,
		Echo: EchoFilter{
			BotPrefix: "relay_",
			SelfID:    func() string { return testBotID },
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &gatewayHarness{dispatch: &recordingDispatcher{}}
	h.gw = NewGateway(cfg, h.dispatch, zerolog.Nop())
	h.mux = http.NewServeMux()
	h.mux.Handle("POST /webhook/{secret}", h.gw)
	return h
}

func (h *gatewayHarness) postJSON(secret string, payload map[string]string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+secret, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func validPayload(postID string) map[string]string {
	return map[string]string{
		"token":      webhookToken,
		"channel_id": testChanID,
		"user_id":    "alice-id",
		"user_name":  "alice",
		"post_id":    postID,
		"text":       "hello back",
	}
}

func TestGateway_JSONReply(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, nil)

	rec := h.postJSON(webhookSecret, validPayload("reply-post"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := h.dispatch.Updates()
	want := router.Update{
		MessageID:        "reply-post",
		ChatID:           testChanID,
		Text:             "hello back",
		SenderName:       "alice",
		ThreadUnresolved: true,
	}
	if len(got) != 1 || got[0] != want {
		t.Fatalf("dispatched %+v, want %+v", got, want)
	}
	if strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Errorf("response body = %q, want an empty object", rec.Body.String())
	}
}

func TestGateway_FormRootMessage(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, nil)

	form := url.Values{}
	for k, v := range validPayload("root-post") {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+webhookSecret, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := h.dispatch.Updates()
	if len(got) != 1 || got[0].MessageID != "root-post" || !got[0].ThreadUnresolved {
		t.Fatalf("dispatched %+v", got)
	}
}

func TestGateway_Rejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		secret  string
		mutate  func(map[string]string)
		status  int
		gateway func(*GatewayConfig)
	}{
		{name: "wrong secret", secret: "nope", status: http.StatusNotFound},
		{name: "wrong token", secret: webhookSecret, mutate: func(p map[string]string) { p["token"] = "bad" }, status: http.StatusUnauthorized},
		{name: "missing token", secret: webhookSecret, mutate: func(p map[string]string) { delete(p, "token") }, status: http.StatusUnauthorized},
		{name: "unconfigured token", secret: webhookSecret, status: http.StatusUnauthorized, gateway: func(c *GatewayConfig) { c.Token = "" }},
		{name: "missing post id", secret: webhookSecret, mutate: func(p map[string]string) { delete(p, "post_id") }, status: http.StatusBadRequest},
		{name: "own post", secret: webhookSecret, mutate: func(p map[string]string) { p["user_id"] = testBotID }, status: http.StatusOK},
		{name: "bridge bot", secret: webhookSecret, mutate: func(p map[string]string) { p["user_name"] = "relay_x" }, status: http.StatusOK},
		{name: "other channel", secret: webhookSecret, mutate: func(p map[string]string) { p["channel_id"] = "elsewhere" }, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newGatewayHarness(t, tt.gateway)
			payload := validPayload("reply-post")
			if tt.mutate != nil {
				tt.mutate(payload)
			}
			rec := h.postJSON(tt.secret, payload)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if n := len(h.dispatch.Updates()); n != 0 {
				t.Errorf("dispatched %d updates", n)
			}
		})
	}
}

func TestGateway_NoSecretConfigured(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, func(c *GatewayConfig) { c.Secret = "" })

	if rec := h.postJSON("anything", validPayload("reply-post")); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(h.dispatch.Updates()) != 1 {
		t.Error("update was not dispatched")
	}
}

func TestGateway_MalformedAndOversized(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook/"+webhookSecret, strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed status = %d", rec.Code)
	}

	huge := `{"text":"` + strings.Repeat("x", maxWebhookBody+10) + `"}`
	req = httptest.NewRequest(http.MethodPost, "/webhook/"+webhookSecret, strings.NewReader(huge))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized status = %d", rec.Code)
	}
}

func TestGateway_Closed(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, nil)
	h.gw.Close()

	if rec := h.postJSON(webhookSecret, validPayload("reply-post")); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
	if len(h.dispatch.Updates()) != 0 {
		t.Error("closed gateway dispatched an update")
	}
}

func TestGateway_RouterRefuses(t *testing.T) {
	t.Parallel()
	h := newGatewayHarness(t, nil)
	h.dispatch.refuse = true

	if rec := h.postJSON(webhookSecret, validPayload("reply-post")); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

// offlinePrimary is a primary side that never delivers.
type offlinePrimary struct{}

func (offlinePrimary) Send(context.Context, string, string) (string, error) {
	return "", errors.New("offline")
}

func (offlinePrimary) MarkRead(context.Context, string, string) error {
	return nil
}

func TestGateway_ThreadLookupFailureIsAnswered(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	defer f.Close()
	f.FailEndpoints["/api/v4/posts/"] = true
	client := newTestClient(f)

	store := mapping.NewMemory(mapping.Config{})
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	rt, err := router.New(offlinePrimary{}, client, store, router.Config{Destination: testChanID})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("POST /webhook", NewGateway(GatewayConfig{Token: webhookToken, Channel: testChanID}, rt, zerolog.Nop()))

	body, _ := json.Marshal(validPayload("reply-post"))
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 before the lookup runs", rec.Code)
	}

	rt.Close()
	if err := rt.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	posts := f.CreatedPosts()
	if len(posts) != 1 {
		t.Fatalf("created %d posts, want one notice", len(posts))
	}
	want := router.FailedNotice("the thread could not be looked up")
	if posts[0].RootId != "reply-post" || posts[0].Message != want {
		t.Errorf("unexpected notice %+v", posts[0])
	}
}
