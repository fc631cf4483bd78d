// Package adapter defines the Adapter interface and common types shared by all
// storage backends the gateway can talk to.
//
// New backends implement Adapter and register a Descriptor from an init()
// function in their own package:
//
//	func init() {
//	    adapter.Register(adapter.Descriptor{
//	        Type:                "mybackend",
//	        RequiredCredentials: []string{"token"},
//	        Implemented:         true,
//	        New:                 newFromCredentials,
//	    })
//	}
//
// The server binary imports each backend with a blank import to trigger
// init(). Adding a backend never touches the orchestrator.
package adapter

import (
	"context"
	"io"
	"time"
)

// Credentials is the decrypted credential map for one adapter configuration.
// It must not outlive the operation it was opened for.
type Credentials map[string]string

// Adapter is the capability set every storage backend provides. Paths are
// slash-separated and relative to the backend root. Implementations hold no
// mutable state shared between calls and are safe for concurrent use.
type Adapter interface {
	// ListFiles returns the immediate children of prefix
	ListFiles(ctx context.Context, prefix string) (*Listing, error)

	// UploadFile stores content at path
	UploadFile(ctx context.Context, path string, content io.Reader, meta Metadata) (*UploadReceipt, error)

	// DownloadFile opens the object at path; the caller closes Body
	DownloadFile(ctx context.Context, path string) (*Download, error)

	DeleteFile(ctx context.Context, path string) error

	// CreateFolder creates an (possibly emulated) directory at path
	CreateFolder(ctx context.Context, path string) error

	GetFileInfo(ctx context.Context, path string) (*FileInfo, error)

	CopyFile(ctx context.Context, src, dst string) error

	// MoveFile relocates src to dst. Backends without a native rename copy
	// then delete, and report a PartialMoveError if only the copy landed.
	MoveFile(ctx context.Context, src, dst string) error
}

// EntryType distinguishes files from folders in a listing.
type EntryType string

const (
	EntryFile   EntryType = "file"
	EntryFolder EntryType = "folder"
)

// Entry is one item in a listing. Folders have zero size and no mtime.
type Entry struct {
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	Type         EntryType  `json:"type"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"lastModified"`
	ETag         string     `json:"etag,omitempty"`
}

// Listing is the result of ListFiles.
type Listing struct {
	Prefix  string  `json:"path"`
	Folders []Entry `json:"folders"`
	Files   []Entry `json:"files"`
}

// Metadata accompanies an upload.
type Metadata struct {
	ContentType string
	Size        int64
	Custom      map[string]string
}

// UploadReceipt describes a stored object.
type UploadReceipt struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
	ETag        string `json:"etag,omitempty"`
	Checksum    string `json:"sha256"`
}

// FileInfo is object metadata without content.
type FileInfo struct {
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"contentType,omitempty"`
	LastModified *time.Time        `json:"lastModified"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Download is an open object stream plus its metadata.
type Download struct {
	Body io.ReadCloser
	Info FileInfo
}
