package adapter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Failure classes every adapter operation maps its errors onto.
var (
	ErrNotFound          = errors.New("not found")
	ErrConnectionFailure = errors.New("connection failure")
	ErrInvalidPath       = errors.New("invalid path")
	ErrPartialMove       = errors.New("partial move")
)

// OpError is a classified adapter failure. Class is one of ErrNotFound,
// ErrConnectionFailure or ErrInvalidPath; Message carries the backend's own
// diagnostic text.
type OpError struct {
	Op      string
	Path    string
	Class   error
	Message string
	Err     error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Class.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *OpError) Is(target error) bool { return target == e.Class }

func (e *OpError) Unwrap() error { return e.Err }

// NotFound reports that path does not exist on the backend.
func NotFound(op, path string) error {
	return &OpError{Op: op, Path: path, Class: ErrNotFound, Message: "file not found"}
}

// ConnectionFailure wraps a backend fault that is not a missing object.
func ConnectionFailure(op, path string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &OpError{Op: op, Path: path, Class: ErrConnectionFailure, Message: msg, Err: err}
}

// InvalidPath reports a path the backend cannot address.
func InvalidPath(op, path, reason string) error {
	return &OpError{Op: op, Path: path, Class: ErrInvalidPath, Message: reason}
}

// PartialMoveError is returned by MoveFile when the copy succeeded but the
// source could not be removed. The object now exists at both paths.
type PartialMoveError struct {
	Source      string
	Destination string
	Err         error
}

func (e *PartialMoveError) Error() string {
	return fmt.Sprintf("move %s -> %s: copy succeeded but deleting the source failed, object exists at both paths: %v",
		e.Source, e.Destination, e.Err)
}

func (e *PartialMoveError) Is(target error) bool {
	return target == ErrPartialMove || target == ErrConnectionFailure
}

func (e *PartialMoveError) Unwrap() error { return e.Err }

// MissingCredentialError lists every required credential field that was
// absent or empty.
type MissingCredentialError struct {
	Type   string
	Fields []string
}

func (e *MissingCredentialError) Error() string {
	return "Missing required credentials: " + strings.Join(e.Fields, ", ")
}

// UnsupportedAdapterError is returned for unknown or unimplemented types.
type UnsupportedAdapterError struct {
	Type   string
	Reason string
}

func (e *UnsupportedAdapterError) Error() string {
	return fmt.Sprintf("unsupported adapter type %q: %s", e.Type, e.Reason)
}

// ConfigError reports a freeFormConfig that fails the type's schema.
type ConfigError struct {
	Type     string
	Problems []string
}

func (e *ConfigError) Error() string {
	problems := append([]string(nil), e.Problems...)
	sort.Strings(problems)
	return fmt.Sprintf("invalid %s config: %s", e.Type, strings.Join(problems, "; "))
}
