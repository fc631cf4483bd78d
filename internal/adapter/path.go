package adapter

import (
	"path"
	"strings"
)

// Delimiter separates path segments on every backend.
const Delimiter = "/"

// CleanKey normalises an object path for op. Leading slashes are dropped;
// empty, relative ("." / "..") and backslash-bearing paths are rejected.
func CleanKey(op, p string) (string, error) {
	key := strings.TrimLeft(p, Delimiter)
	if key == "" {
		return "", InvalidPath(op, p, "path is empty")
	}
	if err := checkSegments(op, p, key); err != nil {
		return "", err
	}
	return key, nil
}

// CleanPrefix normalises a listing prefix. The root is "", every other
// prefix ends in the delimiter.
func CleanPrefix(op, p string) (string, error) {
	prefix := strings.Trim(p, Delimiter)
	if prefix == "" {
		return "", nil
	}
	if err := checkSegments(op, p, prefix); err != nil {
		return "", err
	}
	return prefix + Delimiter, nil
}

// FolderKey returns the marker key for a folder at p.
func FolderKey(op, p string) (string, error) {
	prefix, err := CleanPrefix(op, p)
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return "", InvalidPath(op, p, "cannot create the root folder")
	}
	return prefix, nil
}

// Join appends name to dir the way uploads address their target.
func Join(dir, name string) string {
	dir = strings.Trim(dir, Delimiter)
	if dir == "" {
		return name
	}
	return dir + Delimiter + name
}

// BaseName returns the final path segment, ignoring a trailing delimiter.
func BaseName(p string) string {
	return path.Base(strings.TrimSuffix(p, Delimiter))
}

func checkSegments(op, orig, p string) error {
	if strings.ContainsAny(p, "\\\x00") {
		return InvalidPath(op, orig, "path contains a backslash or NUL byte")
	}
	for _, seg := range strings.Split(strings.TrimSuffix(p, Delimiter), Delimiter) {
		switch seg {
		case "":
			return InvalidPath(op, orig, "path contains an empty segment")
		case ".", "..":
			return InvalidPath(op, orig, "relative path segments are not allowed")
		}
	}
	return nil
}
