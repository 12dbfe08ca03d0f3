// ABOUTME: Tests for the responder HTTP client
// ABOUTME: Covers replies, hand-off signals, errors, and request timeout

package responder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

func testSession() *store.Session {
	return &store.Session{TenantID: "acme", ID: "conv-1", Channel: store.ChannelWeb}
}

func TestClient_Respond(t *testing.T) {
	var got respondRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(respondResponse{Text: "sure, here is how"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	reply, err := c.Respond(context.Background(), testSession(), "how do I reset?")
	require.NoError(t, err)

	assert.Equal(t, "sure, here is how", reply.Text)
	assert.False(t, reply.Handoff)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, "how do I reset?", got.Message)
}

func TestClient_RespondHandoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(respondResponse{Handoff: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	reply, err := c.Respond(context.Background(), testSession(), "I want a human")
	require.NoError(t, err)
	assert.True(t, reply.Handoff)
}

func TestClient_RespondServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	_, err := c.Respond(context.Background(), testSession(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestClient_RespondTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 20*time.Millisecond, nil)
	_, err := c.Respond(context.Background(), testSession(), "hello")
	assert.Error(t, err)
}

func TestClient_RespondBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	_, err := c.Respond(context.Background(), testSession(), "hello")
	assert.Error(t, err)
}
