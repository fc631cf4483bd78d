package adapter

import (
	"sort"
	"strings"
	"time"
)

// Object is one key returned by a flat key-space listing.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// GroupKeys builds a Listing for prefix out of a flat key space. Keys whose
// remainder after prefix contains a delimiter collapse into one synthetic
// folder named by the first segment; commonPrefixes (as returned by a
// delimiter-aware listing) become folders too. The prefix marker itself and
// duplicate folders are dropped.
func GroupKeys(prefix string, objects []Object, commonPrefixes []string) *Listing {
	listing := &Listing{
		Prefix:  prefix,
		Folders: []Entry{},
		Files:   []Entry{},
	}
	seen := map[string]bool{}

	addFolder := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		listing.Folders = append(listing.Folders, Entry{
			Name: name,
			Path: prefix + name + Delimiter,
			Type: EntryFolder,
		})
	}

	for _, cp := range commonPrefixes {
		rest := strings.TrimPrefix(cp, prefix)
		addFolder(strings.SplitN(rest, Delimiter, 2)[0])
	}

	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(obj.Key, prefix)
		if rest == "" {
			continue
		}
		if i := strings.Index(rest, Delimiter); i >= 0 {
			addFolder(rest[:i])
			continue
		}
		entry := Entry{
			Name: rest,
			Path: obj.Key,
			Type: EntryFile,
			Size: obj.Size,
			ETag: obj.ETag,
		}
		if !obj.LastModified.IsZero() {
			mod := obj.LastModified
			entry.LastModified = &mod
		}
		listing.Files = append(listing.Files, entry)
	}

	sort.Slice(listing.Folders, func(i, j int) bool { return listing.Folders[i].Name < listing.Folders[j].Name })
	sort.Slice(listing.Files, func(i, j int) bool { return listing.Files[i].Name < listing.Files[j].Name })
	return listing
}
