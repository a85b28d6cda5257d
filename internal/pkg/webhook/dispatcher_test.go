package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subflowhq/subflow/app/models"
	"github.com/subflowhq/subflow/app/repository"
)

func newTestDispatcher(repos *repository.Repositories, endpoint string) *Dispatcher {
	return &Dispatcher{
		repos:       repos,
		endpoint:    endpoint,
		secret:      "whsec_test",
		client:      &http.Client{Timeout: 2 * time.Second},
		maxAttempts: 3,
	}
}

func enqueueTestEvent(t *testing.T, repos *repository.Repositories, id string) {
	t.Helper()
	err := repos.Webhook.Enqueue(&models.WebhookEvent{
		ID:          id,
		PolicyID:    "0xab",
		ChainID:     84532,
		EventType:   models.WebhookEventChargeSucceeded,
		PayloadJSON: `{"type":"charge.succeeded","data":{"amount":9990000}}`,
	})
	require.NoError(t, err)
}

func TestDispatchDeliversAndSigns(t *testing.T) {
	type received struct {
		body      []byte
		signature string
		eventType string
	}
	var got []received

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = append(got, received{
			body:      body,
			signature: r.Header.Get("X-Subflow-Signature"),
			eventType: r.Header.Get("X-Subflow-Event"),
		})
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repos := repository.NewMemoryRepositories()
	enqueueTestEvent(t, repos, "evt-1")

	d := newTestDispatcher(repos, server.URL)
	require.NoError(t, d.DispatchOnce(context.Background()))

	require.Len(t, got, 1)
	assert.Equal(t, models.WebhookEventChargeSucceeded, got[0].eventType)
	assert.True(t, VerifySignature(got[0].body, got[0].signature, "whsec_test"))

	pending, err := repos.Webhook.CountPending()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDispatchRecordsFailuresAndGivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	repos := repository.NewMemoryRepositories()
	enqueueTestEvent(t, repos, "evt-1")

	d := newTestDispatcher(repos, server.URL)
	for i := 0; i < d.maxAttempts; i++ {
		require.NoError(t, d.DispatchOnce(context.Background()))
	}

	// Undelivered, but no longer selected for delivery.
	pending, err := repos.Webhook.CountPending()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	due, err := repos.Webhook.ListPending(10, d.maxAttempts)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDispatchFailureDoesNotBlockBatch(t *testing.T) {
	var delivered int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subflow-Delivery") == "evt-bad" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		delivered++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repos := repository.NewMemoryRepositories()
	enqueueTestEvent(t, repos, "evt-bad")
	enqueueTestEvent(t, repos, "evt-good")

	d := newTestDispatcher(repos, server.URL)
	require.NoError(t, d.DispatchOnce(context.Background()))

	assert.Equal(t, 1, delivered)
	pending, err := repos.Webhook.CountPending()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}
