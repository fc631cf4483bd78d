package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/datashelf/gateway/internal/config"
	"github.com/datashelf/gateway/internal/safego"
)

// WebhookShipper POSTs records as JSON. With a batch size it buffers records
// and sends JSON arrays on size or interval.
type WebhookShipper struct {
	url       string
	headers   map[string]string
	timeout   time.Duration
	batchSize int
	interval  time.Duration
	client    *http.Client

	batchCh   chan *Record
	batch     []*Record
	batchMu   sync.Mutex
	closeCh   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a new webhook shipper
func NewWebhookShipper(cfg *config.AuditWebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	interval := time.Duration(cfg.FlushInterval) * time.Second
	if interval == 0 {
		interval = 5 * time.Second
	}

	ws := &WebhookShipper{
		url:       cfg.URL,
		headers:   cfg.Headers,
		timeout:   timeout,
		batchSize: cfg.BatchSize,
		interval:  interval,
		client:    &http.Client{Timeout: timeout},
		batchCh:   make(chan *Record, 1000),
		closeCh:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	if ws.batchSize > 0 {
		safego.Named("audit-webhook", ws.processBatches)
	} else {
		close(ws.stopped)
	}

	return ws, nil
}

func (ws *WebhookShipper) processBatches() {
	defer close(ws.stopped)

	ticker := time.NewTicker(ws.interval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-ws.batchCh:
			ws.batchMu.Lock()
			ws.batch = append(ws.batch, rec)
			if len(ws.batch) >= ws.batchSize {
				ws.flushBatch()
			}
			ws.batchMu.Unlock()
		case <-ticker.C:
			ws.batchMu.Lock()
			ws.flushBatch()
			ws.batchMu.Unlock()
		case <-ws.closeCh:
			ws.batchMu.Lock()
			ws.drainQueued()
			ws.flushBatch()
			ws.batchMu.Unlock()
			return
		}
	}
}

// drainQueued moves everything still queued into the batch; callers hold batchMu.
func (ws *WebhookShipper) drainQueued() {
	for {
		select {
		case rec := <-ws.batchCh:
			ws.batch = append(ws.batch, rec)
		default:
			return
		}
	}
}

// flushBatch sends the current batch; callers hold batchMu.
func (ws *WebhookShipper) flushBatch() {
	if len(ws.batch) == 0 {
		return
	}

	data, err := json.Marshal(ws.batch)
	if err != nil {
		slog.Error("failed to marshal audit batch", "error", err)
		ws.batch = ws.batch[:0]
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.timeout)
	defer cancel()

	if err := ws.sendRequest(ctx, data); err != nil {
		slog.Warn("failed to send audit batch", "records", len(ws.batch), "error", err)
	}

	ws.batch = ws.batch[:0]
}

// Ship sends or queues a record
func (ws *WebhookShipper) Ship(ctx context.Context, rec *Record) error {
	if ws.batchSize > 0 {
		select {
		case ws.batchCh <- rec:
			return nil
		default:
			// channel full, send directly
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	return ws.sendRequest(ctx, data)
}

func (ws *WebhookShipper) sendRequest(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes any batched records and stops the batch loop.
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
	})
	<-ws.stopped
	return nil
}
