package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "broken" }

func (failingNotifier) Notify(context.Context, Event) error { return errors.New("down") }

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := &WebhookNotifier{URL: srv.URL}
	require.NoError(t, notifier.Notify(context.Background(), Event{Code: "JOB_FAILED", JobID: "j-1", Attempts: 3, MaxRetries: 3}))
	assert.Equal(t, "j-1", received.JobID)
	assert.Equal(t, 3, received.Attempts)
}

func TestWebhookNotifierReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{URL: srv.URL}).Notify(context.Background(), Event{})
	assert.Error(t, err)
}

func TestFanoutJoinsErrors(t *testing.T) {
	dispatcher := NewFanout(LogNotifier{}, failingNotifier{}, nil)
	err := dispatcher.Notify(context.Background(), Event{Code: "X", Message: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	var nilDispatcher *FanoutDispatcher
	assert.NoError(t, nilDispatcher.Notify(context.Background(), Event{}))
}
