// Package objectkey maps hierarchical file-manager paths onto the flat key
// namespace of object stores.
//
// A folder is never a stored object in its own right: it is the common
// prefix of its descendants and always ends in "/". Keys never start with
// "/" and never contain empty segments.
package objectkey

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Delimiter separates path segments inside an object key.
const Delimiter = "/"

// ErrInvalidName is returned when a rename target is not a single path segment.
var ErrInvalidName = errors.New("invalid object name")

// Normalize converts a user-supplied path into an object key. Backslashes
// become slashes, duplicate and leading slashes are removed, and "." and ".."
// segments are resolved without ever escaping the bucket root. A trailing
// slash is preserved because it marks a folder.
func Normalize(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	folder := strings.HasSuffix(p, Delimiter)

	var out []string
	for _, seg := range strings.Split(p, Delimiter) {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return ""
	}
	key := strings.Join(out, Delimiter)
	if folder {
		key += Delimiter
	}
	return key
}

// IsFolder reports whether key denotes a folder prefix.
func IsFolder(key string) bool {
	return strings.HasSuffix(key, Delimiter)
}

// FolderPrefix returns the normalized prefix for the folder at p. The bucket
// root is the empty prefix.
func FolderPrefix(p string) string {
	key := Normalize(p)
	if key == "" || IsFolder(key) {
		return key
	}
	return key + Delimiter
}

// Join concatenates segments into a normalized key. The result is a folder
// only when the last segment ends in "/".
func Join(parts ...string) string {
	if len(parts) == 0 {
		return ""
	}
	folder := IsFolder(parts[len(parts)-1])
	key := Normalize(strings.Join(parts, Delimiter))
	if folder && key != "" && !IsFolder(key) {
		key += Delimiter
	}
	return key
}

// Dir returns the prefix of the folder containing key ("" for the root).
func Dir(key string) string {
	trimmed := strings.TrimSuffix(key, Delimiter)
	idx := strings.LastIndex(trimmed, Delimiter)
	if idx < 0 {
		return ""
	}
	return trimmed[:idx+1]
}

// Base returns the last segment of key without any trailing slash.
func Base(key string) string {
	trimmed := strings.TrimSuffix(key, Delimiter)
	if idx := strings.LastIndex(trimmed, Delimiter); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// SplitExt splits a file name into its stem and extension (without the dot).
// Dot-files such as ".env" have no extension.
func SplitExt(name string) (stem, ext string) {
	e := path.Ext(name)
	if e == "" || e == name {
		return name, ""
	}
	return strings.TrimSuffix(name, e), strings.TrimPrefix(e, ".")
}

// ValidateName checks that name can replace the last segment of a key.
func ValidateName(name string) error {
	trimmed := strings.TrimSuffix(name, Delimiter)
	switch {
	case trimmed == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case trimmed == "." || trimmed == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(trimmed, "/\\"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// RenameTarget returns the sibling key obtained by replacing the last segment
// of key with newName. Folder keys stay folders.
func RenameTarget(key, newName string) (string, error) {
	if err := ValidateName(newName); err != nil {
		return "", err
	}
	if Normalize(key) == "" {
		return "", fmt.Errorf("%w: cannot rename the bucket root", ErrInvalidName)
	}
	target := Dir(key) + strings.TrimSuffix(newName, Delimiter)
	if IsFolder(key) {
		target += Delimiter
	}
	return target, nil
}

// MoveTarget returns the key that key receives when moved into the folder
// destPrefix. Folders keep their own name under the destination.
func MoveTarget(key, destPrefix string) string {
	target := FolderPrefix(destPrefix) + Base(key)
	if IsFolder(key) {
		target += Delimiter
	}
	return target
}

// Rebase maps a descendant of oldPrefix onto newPrefix, keeping the relative
// suffix. ok is false when key does not live under oldPrefix.
func Rebase(key, oldPrefix, newPrefix string) (string, bool) {
	if !strings.HasPrefix(key, oldPrefix) {
		return "", false
	}
	return newPrefix + strings.TrimPrefix(key, oldPrefix), true
}

// Contains reports whether key lies inside the folder prefix (or is the
// prefix itself). The empty prefix contains every key.
func Contains(prefix, key string) bool {
	return strings.HasPrefix(key, prefix)
}
