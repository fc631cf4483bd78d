package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/datashelf/gateway/internal/adapter"
	"github.com/datashelf/gateway/internal/db/repositories"
	"github.com/datashelf/gateway/internal/vault"
)

// Kind is the stable error tag clients switch on.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindUnsupportedAdapter Kind = "unsupported_adapter"
	KindMissingCredentials Kind = "missing_credentials"
	KindDecryption         Kind = "decryption"
	KindNotFound           Kind = "not_found"
	KindConnectionFailure  Kind = "connection_failure"
	KindPartialMove        Kind = "partial_move"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindConflict           Kind = "conflict"
	KindUnauthorized       Kind = "unauthorized"
	KindInternal           Kind = "internal"
)

var (
	// ErrAdapterNotFound is returned when a configuration is absent, owned by
	// someone else, or inactive.
	ErrAdapterNotFound = errors.New("adapter not found")
	// ErrConflict is returned when a write collides with existing state
	ErrConflict = errors.New("conflict")
)

// ValidationError reports a bad request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// QuotaExceededError is returned when an upload would push storage use past
// the account limit. Nothing was written.
type QuotaExceededError struct {
	Requested int64
	Used      int64
	Limit     int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: %d bytes requested, %d of %d bytes used",
		e.Requested, e.Used, e.Limit)
}

// Error is a classified failure whose message is safe to return to clients.
// Err keeps the original chain for errors.Is and errors.As.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// KindOf maps err onto its stable tag.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}

	var (
		validationErr  *ValidationError
		quotaErr       *QuotaExceededError
		missingErr     *adapter.MissingCredentialError
		unsupportedErr *adapter.UnsupportedAdapterError
		configErr      *adapter.ConfigError
		decryptErr     *vault.DecryptionError
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &configErr), errors.Is(err, adapter.ErrInvalidPath):
		return KindValidation
	case errors.As(err, &quotaErr):
		return KindQuotaExceeded
	case errors.As(err, &missingErr):
		return KindMissingCredentials
	case errors.As(err, &unsupportedErr):
		return KindUnsupportedAdapter
	case errors.As(err, &decryptErr):
		return KindDecryption
	case errors.Is(err, adapter.ErrPartialMove):
		return KindPartialMove
	case errors.Is(err, ErrAdapterNotFound), errors.Is(err, adapter.ErrNotFound):
		return KindNotFound
	case errors.Is(err, adapter.ErrConnectionFailure), errors.Is(err, context.DeadlineExceeded):
		return KindConnectionFailure
	case errors.Is(err, ErrConflict), errors.Is(err, repositories.ErrDuplicateName),
		errors.Is(err, repositories.ErrDefaultConflict):
		return KindConflict
	}
	return KindInternal
}

const redacted = "[REDACTED]"

// minSecretLen keeps short values such as ports from shredding messages.
const minSecretLen = 4

// redact removes every credential value from msg.
func redact(msg string, creds adapter.Credentials) string {
	if len(creds) == 0 || msg == "" {
		return msg
	}
	values := make([]string, 0, len(creds))
	for _, v := range creds {
		if len(v) >= minSecretLen {
			values = append(values, v)
		}
	}
	// longest first so a value containing another is replaced whole
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, v := range values {
		msg = strings.ReplaceAll(msg, v, redacted)
	}
	return msg
}

// classify wraps err as an *Error with a redacted message. Internal faults
// carry a generic message.
func classify(err error, creds adapter.Credentials) error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return err
	}
	kind := KindOf(err)
	msg := redact(err.Error(), creds)
	if kind == KindInternal {
		msg = "internal error"
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}
