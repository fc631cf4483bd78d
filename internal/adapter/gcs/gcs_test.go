package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datashelf/gateway/internal/adapter"
)

const testBucket = "bucket"

// ---------------------------------------------------------------------------
// New(): constructor validation
// ---------------------------------------------------------------------------

func TestNew_MissingBucket(t *testing.T) {
	_, err := New(context.Background(), Options{ServiceAccountJSON: `{"type":"service_account"}`})
	if err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestNew_MissingKeyWithoutEndpoint(t *testing.T) {
	_, err := New(context.Background(), Options{Bucket: testBucket})
	if err == nil || !strings.Contains(err.Error(), "serviceAccountJson") {
		t.Fatalf("New() error = %v, want serviceAccountJson error", err)
	}
}

func TestNew_KeyValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"not json", "not-json"},
		{"wrong type", `{"type":"authorized_user"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), Options{Bucket: testBucket, ServiceAccountJSON: tt.key})
			if err == nil {
				t.Error("New() = nil error, want key validation error")
			}
		})
	}
}

func TestRegistered_MissingCredentials(t *testing.T) {
	_, err := adapter.Default().Create(context.Background(), Type, adapter.Credentials{
		"bucketName": testBucket,
	}, nil)
	var missing *adapter.MissingCredentialError
	if !errors.As(err, &missing) {
		t.Fatalf("Create() error = %v, want MissingCredentialError", err)
	}
	if strings.Join(missing.Fields, ",") != "projectId,serviceAccountJson" {
		t.Errorf("missing fields = %v", missing.Fields)
	}
}

// ---------------------------------------------------------------------------
// Mock JSON API
// ---------------------------------------------------------------------------

type mockObject struct {
	size        int64
	contentType string
	metadata    map[string]string
	updated     time.Time
}

type mockGCS struct {
	mu      sync.Mutex
	objects map[string]*mockObject
}

func (m *mockGCS) put(name string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = &mockObject{size: size, contentType: "text/plain", updated: time.Now().UTC()}
}

func (m *mockGCS) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[name]
	return ok
}

func objectJSON(name string, o *mockObject) map[string]any {
	return map[string]any{
		"kind":        "storage#object",
		"bucket":      testBucket,
		"name":        name,
		"size":        strconv.FormatInt(o.size, 10), // string-encoded in the JSON API
		"contentType": o.contentType,
		"updated":     o.updated.Format(time.RFC3339Nano),
		"etag":        "CAE=",
		"metadata":    o.metadata,
	}
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"error":{"code":404,"message":"No such object","errors":[{"reason":"notFound","message":"No such object"}]}}`))
}

func (m *mockGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := "/storage/v1/b/" + testBucket + "/o"
	if !strings.HasPrefix(r.URL.Path, base) {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, base), "/")

	w.Header().Set("Content-Type", "application/json")
	switch {
	case name == "" && r.Method == http.MethodGet:
		prefix := r.URL.Query().Get("prefix")
		delim := r.URL.Query().Get("delimiter")
		names := make([]string, 0, len(m.objects))
		for k := range m.objects {
			names = append(names, k)
		}
		sort.Strings(names)

		items := []map[string]any{}
		prefixes := []string{}
		seen := map[string]bool{}
		for _, k := range names {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			rest := strings.TrimPrefix(k, prefix)
			if delim != "" {
				if i := strings.Index(rest, delim); i >= 0 {
					p := prefix + rest[:i+len(delim)]
					if !seen[p] {
						seen[p] = true
						prefixes = append(prefixes, p)
					}
					continue
				}
			}
			items = append(items, objectJSON(k, m.objects[k]))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"kind":     "storage#objects",
			"items":    items,
			"prefixes": prefixes,
		})

	case r.Method == http.MethodGet:
		o, ok := m.objects[name]
		if !ok {
			notFound(w)
			return
		}
		json.NewEncoder(w).Encode(objectJSON(name, o))

	case r.Method == http.MethodDelete:
		if _, ok := m.objects[name]; !ok {
			notFound(w)
			return
		}
		delete(m.objects, name)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestAdapter(t *testing.T) (*Adapter, *mockGCS) {
	t.Helper()
	mock := &mockGCS{objects: map[string]*mockObject{}}
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)

	a, err := New(context.Background(), Options{
		ProjectID: "proj",
		Bucket:    testBucket,
		Endpoint:  srv.URL + "/storage/v1/",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, mock
}

// ---------------------------------------------------------------------------
// Operations against the mock
// ---------------------------------------------------------------------------

func TestListFiles_GroupsFolders(t *testing.T) {
	a, mock := newTestAdapter(t)
	mock.put("docs/a.txt", 3)
	mock.put("docs/sub/b.txt", 5)
	mock.put("top.txt", 1)

	listing, err := a.ListFiles(context.Background(), "/docs/")
	if err != nil {
		t.Fatalf("ListFiles() error: %v", err)
	}
	if len(listing.Files) != 1 || listing.Files[0].Name != "a.txt" || listing.Files[0].Size != 3 {
		t.Errorf("files = %+v, want [a.txt size 3]", listing.Files)
	}
	if len(listing.Folders) != 1 || listing.Folders[0].Path != "docs/sub/" {
		t.Errorf("folders = %+v, want [docs/sub/]", listing.Folders)
	}
}

func TestGetFileInfo(t *testing.T) {
	a, mock := newTestAdapter(t)
	mock.put("reports/q1.txt", 42)

	info, err := a.GetFileInfo(context.Background(), "reports/q1.txt")
	if err != nil {
		t.Fatalf("GetFileInfo() error: %v", err)
	}
	if info.Name != "q1.txt" || info.Size != 42 || info.ContentType != "text/plain" {
		t.Errorf("info = %+v", info)
	}
	if info.LastModified == nil {
		t.Error("LastModified not set")
	}
}

func TestGetFileInfo_NotFound(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.GetFileInfo(context.Background(), "missing.txt")
	if !errors.Is(err, adapter.ErrNotFound) {
		t.Errorf("GetFileInfo() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteFile(t *testing.T) {
	a, mock := newTestAdapter(t)
	mock.put("old.txt", 1)

	if err := a.DeleteFile(context.Background(), "old.txt"); err != nil {
		t.Fatalf("DeleteFile() error: %v", err)
	}
	if mock.has("old.txt") {
		t.Error("object still present after delete")
	}
	if err := a.DeleteFile(context.Background(), "old.txt"); err != nil {
		t.Errorf("DeleteFile() on missing object error = %v, want nil", err)
	}
}

func TestInvalidPath(t *testing.T) {
	a, _ := newTestAdapter(t)
	if err := a.CopyFile(context.Background(), "a.txt", "../b.txt"); !errors.Is(err, adapter.ErrInvalidPath) {
		t.Errorf("CopyFile() error = %v, want ErrInvalidPath", err)
	}
	if err := a.CreateFolder(context.Background(), "/"); !errors.Is(err, adapter.ErrInvalidPath) {
		t.Errorf("CreateFolder(root) error = %v, want ErrInvalidPath", err)
	}
}
