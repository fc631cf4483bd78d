package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/datashelf/gateway/internal/adapter"
	"github.com/datashelf/gateway/internal/audit"
	"github.com/datashelf/gateway/internal/db/models"
	"github.com/datashelf/gateway/internal/telemetry"
)

// Caller identifies who is asking for an operation and against which adapter.
type Caller struct {
	OwnerID   uuid.UUID
	AdapterID uuid.UUID
	RequestID string
}

// UploadRequest is a file to store under Path.
type UploadRequest struct {
	// Path is the destination folder; empty means the root
	Path        string
	FileName    string
	Size        int64
	ContentType string
	Content     io.Reader
}

// invocation is the state of one orchestrated call.
type invocation struct {
	caller   Caller
	kind     models.OperationKind
	path     string
	fileName string
	size     int64 // -1 when unknown

	// keepOpen hands the session to the operation instead of closing it on return
	keepOpen bool
}

// execute runs fn against the caller's adapter and records the outcome. The
// record is inserted as pending before the adapter is resolved so failed
// resolutions are audited too. Request validation happens before execute;
// malformed requests leave no record.
func (g *Gateway) execute(ctx context.Context, inv *invocation, fn func(context.Context, *session) error) (err error) {
	start := g.now()
	rec := &models.FileOperation{
		ID:              uuid.New(),
		OwnerID:         inv.caller.OwnerID,
		AdapterConfigID: inv.caller.AdapterID,
		Operation:       inv.kind,
		TargetPath:      inv.path,
	}
	if inv.fileName != "" {
		rec.FileName = sql.NullString{String: inv.fileName, Valid: true}
	}
	if inv.size >= 0 {
		rec.FileSize = sql.NullInt64{Int64: inv.size, Valid: true}
	}

	if beginErr := g.ops.Begin(ctx, rec); beginErr != nil {
		slog.Error("failed to record operation start",
			"operation", inv.kind, "adapter_id", inv.caller.AdapterID, "error", beginErr)
		return classify(fmt.Errorf("failed to record operation: %w", beginErr), nil)
	}

	var s *session
	defer func() {
		if s != nil && (err != nil || !inv.keepOpen) {
			s.close()
		}
		var creds adapter.Credentials
		backend := "unknown"
		if s != nil {
			creds = s.creds
			if s.cfg != nil {
				backend = s.cfg.BackendType
			}
		}
		err = classify(err, creds)
		g.finish(rec, inv, backend, start, err)
	}()

	s, err = g.open(ctx, inv.caller.OwnerID, inv.caller.AdapterID)
	if err != nil {
		return err
	}
	return fn(ctx, s)
}

// finish finalizes rec, emits metrics and ships the record. A failure to
// finalize is logged; the operation outcome stands.
func (g *Gateway) finish(rec *models.FileOperation, inv *invocation, backend string, start time.Time, opErr error) {
	if inv.size >= 0 {
		rec.FileSize = sql.NullInt64{Int64: inv.size, Valid: true}
	}
	kind := ""
	if opErr != nil {
		kind = string(KindOf(opErr))
		rec.Status = models.StatusFailed
		rec.ErrorKind = sql.NullString{String: kind, Valid: true}
		rec.ErrorDetail = sql.NullString{String: opErr.Error(), Valid: true}
	} else {
		rec.Status = models.StatusSuccess
	}

	// the request context may already be cancelled; the record must still land
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.ops.Finish(ctx, rec); err != nil {
		slog.Error("failed to finalize operation record",
			"record_id", rec.ID, "operation", rec.Operation, "error", err)
	}

	elapsed := g.now().Sub(start)
	telemetry.GatewayOperationsTotal.WithLabelValues(string(rec.Operation), backend, string(rec.Status), kind).Inc()
	telemetry.GatewayOperationDuration.WithLabelValues(string(rec.Operation), backend).Observe(elapsed.Seconds())

	if opErr != nil {
		slog.Warn("file operation failed",
			"operation", rec.Operation, "adapter_id", rec.AdapterConfigID, "path", rec.TargetPath,
			"kind", kind, "error", opErr, "request_id", inv.caller.RequestID)
	} else {
		slog.Debug("file operation succeeded",
			"operation", rec.Operation, "adapter_id", rec.AdapterConfigID, "path", rec.TargetPath,
			"duration_ms", elapsed.Milliseconds(), "request_id", inv.caller.RequestID)
	}

	g.ship(rec, backend, inv.caller.RequestID, elapsed)
}

func (g *Gateway) ship(rec *models.FileOperation, backend, requestID string, elapsed time.Duration) {
	if g.shipper == nil {
		return
	}
	out := &audit.Record{
		ID:          rec.ID.String(),
		Timestamp:   rec.CreatedAt,
		OwnerID:     rec.OwnerID.String(),
		AdapterID:   rec.AdapterConfigID.String(),
		AdapterType: backend,
		Operation:   string(rec.Operation),
		Path:        rec.TargetPath,
		FileName:    rec.FileName.String,
		Status:      string(rec.Status),
		ErrorKind:   rec.ErrorKind.String,
		Error:       rec.ErrorDetail.String,
		RequestID:   requestID,
		DurationMS:  elapsed.Milliseconds(),
	}
	if rec.CompletedAt.Valid {
		out.CompletedAt = rec.CompletedAt.Time
	}
	if rec.FileSize.Valid {
		size := rec.FileSize.Int64
		out.FileSize = &size
	}
	if err := g.shipper.Ship(context.Background(), out); err != nil {
		slog.Warn("failed to queue audit record", "record_id", out.ID, "error", err)
	}
}

// ListFiles returns the folders and files directly under path.
func (g *Gateway) ListFiles(ctx context.Context, c Caller, path string) (*adapter.Listing, error) {
	var listing *adapter.Listing
	inv := &invocation{caller: c, kind: models.OpList, path: path, size: -1}
	err := g.execute(ctx, inv, func(ctx context.Context, s *session) error {
		var err error
		listing, err = s.adapter.ListFiles(ctx, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// UploadFile stores req under req.Path. The declared size is reserved against
// the quota before the backend is contacted and released if the upload fails.
func (g *Gateway) UploadFile(ctx context.Context, c Caller, req UploadRequest) (*adapter.UploadReceipt, error) {
	if req.FileName == "" {
		return nil, invalid("file", "file name is required")
	}
	if req.Size < 0 {
		return nil, invalid("file", "file size is unknown")
	}
	target := adapter.Join(req.Path, req.FileName)
	inv := &invocation{caller: c, kind: models.OpUpload, path: target, fileName: req.FileName, size: req.Size}

	var receipt *adapter.UploadReceipt
	err := g.execute(ctx, inv, func(ctx context.Context, s *session) error {
		ok, err := g.accounts.Reserve(ctx, c.OwnerID, req.Size)
		if err != nil {
			return fmt.Errorf("failed to reserve quota: %w", err)
		}
		if !ok {
			telemetry.QuotaRejectionsTotal.Inc()
			return g.quotaError(ctx, c.OwnerID, req.Size)
		}

		receipt, err = s.adapter.UploadFile(ctx, target, &exactReader{r: req.Content, remaining: req.Size}, adapter.Metadata{
			ContentType: req.ContentType,
			Size:        req.Size,
		})
		if err != nil {
			g.release(c.OwnerID, req.Size)
			return err
		}
		telemetry.UploadedBytesTotal.WithLabelValues(s.cfg.BackendType).Add(float64(req.Size))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (g *Gateway) quotaError(ctx context.Context, ownerID uuid.UUID, requested int64) error {
	qe := &QuotaExceededError{Requested: requested}
	if acct, err := g.accounts.Get(ctx, ownerID); err == nil && acct != nil {
		qe.Used, qe.Limit = acct.StorageUsed, acct.StorageLimit
	}
	return qe
}

// release gives n bytes back to the quota. It runs after the request may have
// been cancelled, so it uses its own context.
func (g *Gateway) release(ownerID uuid.UUID, n int64) {
	if n <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.accounts.Release(ctx, ownerID, n); err != nil {
		slog.Error("failed to release storage quota", "owner_id", ownerID, "bytes", n, "error", err)
	}
}

// DownloadFile opens path for reading. The caller must close Body, which also
// releases the backend connection.
func (g *Gateway) DownloadFile(ctx context.Context, c Caller, path string) (*adapter.Download, error) {
	inv := &invocation{caller: c, kind: models.OpDownload, path: path, fileName: fileNameOf(path), size: -1, keepOpen: true}

	var dl *adapter.Download
	err := g.execute(ctx, inv, func(ctx context.Context, s *session) error {
		var err error
		dl, err = s.adapter.DownloadFile(ctx, path)
		if err != nil {
			return err
		}
		inv.size = dl.Info.Size
		dl.Body = &sessionBody{ReadCloser: dl.Body, s: s}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dl, nil
}

// DeleteFile removes path. The object's size is looked up first on a best
// effort basis and returned to the quota once the delete succeeds.
func (g *Gateway) DeleteFile(ctx context.Context, c Caller, path string) error {
	inv := &invocation{caller: c, kind: models.OpDelete, path: path, fileName: fileNameOf(path), size: -1}
	return g.execute(ctx, inv, func(ctx context.Context, s *session) error {
		if info, err := s.adapter.GetFileInfo(ctx, path); err == nil {
			inv.size = info.Size
		} else if !errors.Is(err, adapter.ErrNotFound) {
			slog.Debug("size lookup before delete failed", "path", path, "error", redact(err.Error(), s.creds))
		}

		if err := s.adapter.DeleteFile(ctx, path); err != nil {
			return err
		}
		g.release(c.OwnerID, inv.size)
		return nil
	})
}

// CreateFolder creates a folder at path.
func (g *Gateway) CreateFolder(ctx context.Context, c Caller, path string) error {
	if path == "" {
		return invalid("path", "folder path is required")
	}
	inv := &invocation{caller: c, kind: models.OpCreateFolder, path: path, size: -1}
	return g.execute(ctx, inv, func(ctx context.Context, s *session) error {
		return s.adapter.CreateFolder(ctx, path)
	})
}

// GetFileInfo returns metadata for path.
func (g *Gateway) GetFileInfo(ctx context.Context, c Caller, path string) (*adapter.FileInfo, error) {
	inv := &invocation{caller: c, kind: models.OpInfo, path: path, fileName: fileNameOf(path), size: -1}

	var info *adapter.FileInfo
	err := g.execute(ctx, inv, func(ctx context.Context, s *session) error {
		var err error
		info, err = s.adapter.GetFileInfo(ctx, path)
		if err == nil {
			inv.size = info.Size
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// CopyFile copies src to dst on the same backend. Copies do not count
// against the quota.
func (g *Gateway) CopyFile(ctx context.Context, c Caller, src, dst string) error {
	if err := checkTransfer(src, dst); err != nil {
		return err
	}
	inv := &invocation{caller: c, kind: models.OpCopy, path: transferPath(src, dst), fileName: fileNameOf(src), size: -1}
	return g.execute(ctx, inv, func(ctx context.Context, s *session) error {
		return s.adapter.CopyFile(ctx, src, dst)
	})
}

// MoveFile moves src to dst. A PartialMoveError means the object now exists
// at both paths.
func (g *Gateway) MoveFile(ctx context.Context, c Caller, src, dst string) error {
	if err := checkTransfer(src, dst); err != nil {
		return err
	}
	inv := &invocation{caller: c, kind: models.OpMove, path: transferPath(src, dst), fileName: fileNameOf(src), size: -1}
	return g.execute(ctx, inv, func(ctx context.Context, s *session) error {
		return s.adapter.MoveFile(ctx, src, dst)
	})
}

func transferPath(src, dst string) string {
	return src + " -> " + dst
}

func checkTransfer(src, dst string) error {
	switch {
	case src == "":
		return invalid("sourcePath", "source path is required")
	case dst == "":
		return invalid("destinationPath", "destination path is required")
	case src == dst:
		return invalid("destinationPath", "destination must differ from source")
	}
	return nil
}

// sessionBody closes the adapter once the download stream is closed.
type sessionBody struct {
	io.ReadCloser
	s *session
}

func (b *sessionBody) Close() error {
	err := b.ReadCloser.Close()
	b.s.close()
	return err
}

// errSizeMismatch is returned when an upload body does not match its declared size
var errSizeMismatch = errors.New("upload content does not match declared size")

// exactReader fails the upload when the body is longer or shorter than the
// size that was reserved.
type exactReader struct {
	r         io.Reader
	remaining int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.remaining <= 0 {
		// probe for trailing bytes
		var one [1]byte
		n, err := e.r.Read(one[:])
		if n > 0 {
			return 0, invalid("file", "%s", errSizeMismatch)
		}
		return 0, err
	}
	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}
	n, err := e.r.Read(p)
	e.remaining -= int64(n)
	if err == io.EOF && e.remaining > 0 {
		return n, invalid("file", "%s", errSizeMismatch)
	}
	return n, err
}

func fileNameOf(p string) string {
	if strings.Trim(p, adapter.Delimiter) == "" {
		return ""
	}
	return adapter.BaseName(p)
}
