package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bridgevisor/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		receivedBody   []byte
		receivedURL    string
		receivedMethod string
		receivedCT     string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedCT = r.Header.Get("Content-Type")
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"bridgevisor-events","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "bridgevisor-events")
	defer func() { _ = sink.Close() }()

	event := history.Event{
		Type:       history.EventKillFailed,
		OccurredAt: time.Now().UTC(),
		PID:        12345,
		InstanceID: "1700000000000-os",
		Detail:     "operation not permitted",
	}
	require.NoError(t, sink.Send(context.Background(), event))

	assert.Equal(t, http.MethodPost, receivedMethod)
	assert.Equal(t, "/bridgevisor-events/_doc", receivedURL)
	assert.Equal(t, "application/json", receivedCT)

	var got history.Event
	require.NoError(t, json.Unmarshal(receivedBody, &got))
	assert.Equal(t, event.Type, got.Type)
	assert.Equal(t, event.PID, got.PID)
	assert.Equal(t, event.InstanceID, got.InstanceID)
	assert.Equal(t, event.Detail, got.Detail)
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mapping conflict", http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventDrop})
	assert.ErrorContains(t, err, "status 400")
}

func TestOpenSearchSink_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, New(server.URL, "idx").Send(ctx, history.Event{Type: history.EventDrop}))
}
