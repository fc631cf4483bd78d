// Package audit ships finalized file operation records to external sinks.
// The database table is the system of record; sinks feed SIEMs and log
// pipelines and are best effort. A sink failure is logged and counted but
// never changes the outcome of the operation that produced the record.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/datashelf/gateway/internal/config"
	"github.com/datashelf/gateway/internal/safego"
	"github.com/datashelf/gateway/internal/telemetry"
)

// Record is the shipped form of a finalized operation record
type Record struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	CompletedAt time.Time `json:"completed_at"`
	OwnerID     string    `json:"owner_id"`
	AdapterID   string    `json:"adapter_id"`
	AdapterType string    `json:"adapter_type,omitempty"`
	Operation   string    `json:"operation"`
	Path        string    `json:"path"`
	FileName    string    `json:"file_name,omitempty"`
	FileSize    *int64    `json:"file_size,omitempty"`
	Status      string    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
}

// Shipper delivers records to one destination
type Shipper interface {
	// Ship sends a record to the destination
	Ship(ctx context.Context, rec *Record) error
	// Close flushes and releases resources
	Close() error
}

// ErrQueueFull is returned by AsyncShipper when its buffer is full
var ErrQueueFull = errors.New("audit queue is full")

// MultiShipper ships to multiple destinations
type MultiShipper struct {
	shippers []Shipper
	names    []string
	mu       sync.RWMutex
}

// NewMultiShipper creates a multi-shipper from the enabled configs.
func NewMultiShipper(configs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			shipper, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(cfg.File)
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}

		if err != nil {
			ms.Close()
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}

		ms.Add(cfg.Type, shipper)
	}

	return ms, nil
}

// Add registers another destination under name.
func (ms *MultiShipper) Add(name string, s Shipper) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.shippers = append(ms.shippers, s)
	ms.names = append(ms.names, name)
}

// Len returns the number of destinations.
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends rec to every destination and returns their joined errors.
func (ms *MultiShipper) Ship(ctx context.Context, rec *Record) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var errs []error
	for i, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, rec); err != nil {
			telemetry.AuditShipFailuresTotal.WithLabelValues(ms.names[i], "error").Inc()
			slog.Warn("audit shipper error", "sink", ms.names[i], "record_id", rec.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncShipper decouples callers from sink latency with a bounded queue
// drained by one background goroutine.
type AsyncShipper struct {
	inner   Shipper
	timeout time.Duration
	ch      chan *Record
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsyncShipper starts draining into inner. Each delivery gets timeout.
func NewAsyncShipper(inner Shipper, buffer int, timeout time.Duration) *AsyncShipper {
	if buffer <= 0 {
		buffer = 1000
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &AsyncShipper{
		inner:   inner,
		timeout: timeout,
		ch:      make(chan *Record, buffer),
		done:    make(chan struct{}),
	}
	safego.Named("audit-async", a.run)
	return a
}

func (a *AsyncShipper) run() {
	defer close(a.done)
	for rec := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		// failures are already logged and counted per sink
		_ = a.inner.Ship(ctx, rec)
		cancel()
	}
}

// Ship enqueues rec without blocking. The context is not used; delivery
// happens after the request that produced the record has finished.
func (a *AsyncShipper) Ship(_ context.Context, rec *Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.New("audit shipper is closed")
	}
	select {
	case a.ch <- rec:
		return nil
	default:
		telemetry.AuditShipFailuresTotal.WithLabelValues("queue", "dropped").Inc()
		return ErrQueueFull
	}
}

// Close drains the queue, then closes inner.
func (a *AsyncShipper) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()

	<-a.done
	return a.inner.Close()
}
