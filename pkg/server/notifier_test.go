package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   bool
	}{
		{"Delivered first time", []int{http.StatusNoContent}, 1, false},
		{"Retries server errors", []int{http.StatusBadGateway, http.StatusOK}, 2, false},
		{"Client error is final", []int{http.StatusBadRequest, http.StatusOK}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			var got CompletionEvent
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer srv.Close()

			n := NewWebhookNotifier(srv.URL, nopLogger())
			n.initial = time.Millisecond

			err := n.ResearchCompleted(context.Background(), "job-1", "Quantum error correction")
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
			assert.Equal(t, "research.completed", got.Event)
			assert.Equal(t, "job-1", got.ID)
			assert.Equal(t, "Quantum error correction", got.Title)
		})
	}
}

func nopLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
