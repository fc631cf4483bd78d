// Package local implements a filesystem adapter for development and tests.
// It is intended for single-node deployments only and is registered only
// when the server is configured to allow it. Every adapter instance is
// confined to its own directory under a server-controlled base path.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/datashelf/gateway/internal/adapter"
	"github.com/datashelf/gateway/pkg/checksum"
)

// Type is the registry tag for this adapter.
const Type = "local"

const folderContentType = "application/x-directory"

// Register adds the local adapter to reg. Instances live under base.
func Register(reg *adapter.Registry, base string) error {
	if base == "" {
		return fmt.Errorf("local adapter base path is required")
	}
	return reg.Register(adapter.Descriptor{
		Type:                Type,
		Label:               "Local Filesystem",
		Description:         "Store files on the gateway host (development only)",
		RequiredCredentials: []string{"rootPath"},
		Implemented:         true,
		New: func(_ context.Context, creds adapter.Credentials, _ map[string]any) (adapter.Adapter, error) {
			return New(base, creds["rootPath"])
		},
	})
}

// Adapter stores objects as files below a directory.
type Adapter struct {
	root *os.Root
}

// New opens (creating if needed) rootPath below base. rootPath may not
// escape base.
func New(base, rootPath string) (*Adapter, error) {
	rel, err := adapter.CleanPrefix("configure", rootPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(base, filepath.FromSlash(rel))

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage directory: %w", err)
	}
	return &Adapter{root: root}, nil
}

// Close releases the directory handle.
func (a *Adapter) Close() error {
	return a.root.Close()
}

func native(key string) string {
	if key == "" {
		return "."
	}
	return filepath.FromSlash(strings.TrimSuffix(key, adapter.Delimiter))
}

// ListFiles reads one directory level.
func (a *Adapter) ListFiles(ctx context.Context, prefix string) (*adapter.Listing, error) {
	prefix, err := adapter.CleanPrefix("list", prefix)
	if err != nil {
		return nil, err
	}

	dir, err := a.root.Open(native(prefix))
	if err != nil {
		return nil, classify("list", prefix, err)
	}
	defer dir.Close()

	entries, err := dir.ReadDir(-1)
	if err != nil {
		return nil, classify("list", prefix, err)
	}

	listing := &adapter.Listing{
		Prefix:  prefix,
		Folders: []adapter.Entry{},
		Files:   []adapter.Entry{},
	}
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		mod := fi.ModTime()
		if e.IsDir() {
			listing.Folders = append(listing.Folders, adapter.Entry{
				Name:         e.Name(),
				Path:         prefix + e.Name() + adapter.Delimiter,
				Type:         adapter.EntryFolder,
				LastModified: &mod,
			})
			continue
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		listing.Files = append(listing.Files, adapter.Entry{
			Name:         e.Name(),
			Path:         prefix + e.Name(),
			Type:         adapter.EntryFile,
			Size:         fi.Size(),
			LastModified: &mod,
		})
	}
	sort.Slice(listing.Folders, func(i, j int) bool { return listing.Folders[i].Name < listing.Folders[j].Name })
	sort.Slice(listing.Files, func(i, j int) bool { return listing.Files[i].Name < listing.Files[j].Name })
	return listing, nil
}

// UploadFile writes content to path, creating parent directories.
func (a *Adapter) UploadFile(ctx context.Context, p string, content io.Reader, meta adapter.Metadata) (*adapter.UploadReceipt, error) {
	key, err := adapter.CleanKey("upload", p)
	if err != nil {
		return nil, err
	}
	if err := a.ensureParent(key); err != nil {
		return nil, classify("upload", key, err)
	}

	f, err := a.root.Create(native(key))
	if err != nil {
		return nil, classify("upload", key, err)
	}
	defer f.Close()

	hr := checksum.NewReader(content)
	if _, err := io.Copy(f, hr); err != nil {
		_ = a.root.Remove(native(key))
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	ct := meta.ContentType
	if ct == "" {
		ct = contentType(key)
	}
	return &adapter.UploadReceipt{
		Path:        key,
		Size:        hr.Size(),
		ContentType: ct,
		Checksum:    hr.Sum(),
	}, nil
}

// DownloadFile opens a file for reading.
func (a *Adapter) DownloadFile(ctx context.Context, p string) (*adapter.Download, error) {
	key, err := adapter.CleanKey("download", p)
	if err != nil {
		return nil, err
	}

	f, err := a.root.Open(native(key))
	if err != nil {
		return nil, classify("download", key, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, classify("download", key, err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, adapter.NotFound("download", key)
	}
	return &adapter.Download{Body: f, Info: a.info(key, fi)}, nil
}

// DeleteFile removes a file or an empty folder. A missing path counts as
// deleted.
func (a *Adapter) DeleteFile(ctx context.Context, p string) error {
	key, err := adapter.CleanKey("delete", p)
	if err != nil {
		return err
	}
	if err := a.root.Remove(native(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return classify("delete", key, err)
	}
	return nil
}

// CreateFolder creates a directory and any missing parents.
func (a *Adapter) CreateFolder(ctx context.Context, p string) error {
	key, err := adapter.FolderKey("create_folder", p)
	if err != nil {
		return err
	}
	if err := a.root.MkdirAll(native(key), 0750); err != nil {
		return classify("create_folder", key, err)
	}
	return nil
}

// GetFileInfo stats a path.
func (a *Adapter) GetFileInfo(ctx context.Context, p string) (*adapter.FileInfo, error) {
	key, err := adapter.CleanKey("info", p)
	if err != nil {
		return nil, err
	}
	fi, err := a.root.Stat(native(key))
	if err != nil {
		return nil, classify("info", key, err)
	}
	info := a.info(key, fi)
	return &info, nil
}

// CopyFile duplicates a file's bytes.
func (a *Adapter) CopyFile(ctx context.Context, src, dst string) error {
	srcKey, err := adapter.CleanKey("copy", src)
	if err != nil {
		return err
	}
	dstKey, err := adapter.CleanKey("copy", dst)
	if err != nil {
		return err
	}

	in, err := a.root.Open(native(srcKey))
	if err != nil {
		return classify("copy", srcKey, err)
	}
	defer in.Close()

	if err := a.ensureParent(dstKey); err != nil {
		return classify("copy", dstKey, err)
	}
	out, err := a.root.Create(native(dstKey))
	if err != nil {
		return classify("copy", dstKey, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = a.root.Remove(native(dstKey))
		return classify("copy", dstKey, err)
	}
	if err := out.Close(); err != nil {
		return classify("copy", dstKey, err)
	}
	return nil
}

// MoveFile renames within the root; the filesystem makes it atomic.
func (a *Adapter) MoveFile(ctx context.Context, src, dst string) error {
	srcKey, err := adapter.CleanKey("move", src)
	if err != nil {
		return err
	}
	dstKey, err := adapter.CleanKey("move", dst)
	if err != nil {
		return err
	}
	if _, err := a.root.Stat(native(srcKey)); err != nil {
		return classify("move", srcKey, err)
	}
	if err := a.ensureParent(dstKey); err != nil {
		return classify("move", dstKey, err)
	}
	if err := a.root.Rename(native(srcKey), native(dstKey)); err != nil {
		return classify("move", srcKey, err)
	}
	return nil
}

func (a *Adapter) ensureParent(key string) error {
	dir := path.Dir(key)
	if dir == "." {
		return nil
	}
	return a.root.MkdirAll(filepath.FromSlash(dir), 0750)
}

func (a *Adapter) info(key string, fi fs.FileInfo) adapter.FileInfo {
	mod := fi.ModTime()
	info := adapter.FileInfo{
		Name:         adapter.BaseName(key),
		Path:         key,
		Size:         fi.Size(),
		LastModified: &mod,
	}
	if fi.IsDir() {
		info.Size = 0
		info.ContentType = folderContentType
	} else {
		info.ContentType = contentType(key)
	}
	return info
}

func contentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func classify(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return adapter.NotFound(op, key)
	}
	return adapter.ConnectionFailure(op, key, err)
}
