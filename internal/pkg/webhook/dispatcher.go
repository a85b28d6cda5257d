package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/subflowhq/subflow/app/repository"
	"github.com/subflowhq/subflow/internal/pkg/env"
)

const (
	// DefaultMaxDeliveryAttempts is how often an outbox entry is retried
	// before it is left for manual inspection.
	DefaultMaxDeliveryAttempts = 8
	defaultDispatchBatch       = 50
)

// Dispatcher drains the webhook outbox and delivers entries to the merchant
// endpoint, signing each body with the shared webhook secret.
type Dispatcher struct {
	repos       *repository.Repositories
	endpoint    string
	secret      string
	client      *http.Client
	interval    time.Duration
	maxAttempts int

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewDispatcher reads its endpoint and secret from the environment. A missing
// endpoint disables delivery; entries then stay queued until one is set.
func NewDispatcher(repos *repository.Repositories) *Dispatcher {
	return &Dispatcher{
		repos:    repos,
		endpoint: env.GetEnv("WEBHOOK_ENDPOINT", ""),
		secret:   env.GetEnv("WEBHOOK_SECRET", ""),
		client: &http.Client{
			Timeout: time.Duration(env.GetEnvInt("WEBHOOK_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		interval:    time.Duration(env.GetEnvInt("WEBHOOK_DISPATCH_SECONDS", 5)) * time.Second,
		maxAttempts: env.GetEnvInt("WEBHOOK_MAX_ATTEMPTS", DefaultMaxDeliveryAttempts),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.running = true

	if d.endpoint == "" {
		log.Warn("[Webhook] WEBHOOK_ENDPOINT not set, outbox delivery disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)
	go d.worker(ctx)

	log.Info("[Webhook] Dispatcher started")
}

// Stop cancels the worker and waits for the in-flight batch.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	d.cancel()
	d.running = false
	d.wg.Wait()

	log.Info("[Webhook] Dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.endpoint == "" {
				continue
			}
			if err := d.DispatchOnce(ctx); err != nil {
				log.Errorf("[Webhook] dispatch run failed: %v", err)
			}
		}
	}
}

// DispatchOnce delivers up to one batch of pending outbox entries. Delivery
// failures are recorded per entry and do not abort the batch.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	pending, err := d.repos.Webhook.ListPending(defaultDispatchBatch, d.maxAttempts)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	for _, event := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.deliver(ctx, event.PayloadJSON, event.EventType, event.ID); err != nil {
			log.Warnf("[Webhook] delivery of %s (%s) failed: %v", event.ID, event.EventType, err)
			if recErr := d.repos.Webhook.RecordFailure(event.ID, err.Error()); recErr != nil {
				return fmt.Errorf("record failure: %w", recErr)
			}
			continue
		}
		if err := d.repos.Webhook.MarkDelivered(event.ID, time.Now().UTC()); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, payload, eventType, eventID string) error {
	body := []byte(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Subflow-Event", eventType)
	req.Header.Set("X-Subflow-Delivery", eventID)
	req.Header.Set("X-Subflow-Signature", SignPayload(body, d.secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
