// Package artifact persists uploaded submission archives.
// Every stored archive gets a fresh name, so nothing is ever overwritten.
package artifact

import (
	"context"
	"io"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// DefaultFileName replaces an original name that sanitizes to nothing.
const DefaultFileName = "submission.zip"

const maxNameLength = 128

// Handle locates a stored artifact. It is opaque to callers and safe to persist.
type Handle string

func (h Handle) String() string { return string(h) }

// Store persists artifacts.
type Store interface {
	// Store writes the archive for ownerID and returns a handle that never collides with an earlier one.
	// size may be -1 when unknown.
	Store(ctx context.Context, ownerID int64, r io.Reader, size int64, originalName string) (Handle, error)

	// Open returns a reader for a stored artifact. Caller must close it.
	Open(ctx context.Context, h Handle) (io.ReadCloser, error)

	// Remove deletes a stored artifact. Removing a missing artifact is not an error.
	Remove(ctx context.Context, h Handle) error
}

// StoredName returns the unique on-disk name for an upload: "<uuid>_<sanitized name>".
func StoredName(originalName string) string {
	return uuid.NewString() + "_" + SanitizeName(originalName)
}

// SanitizeName reduces an uploaded file name to a safe base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r == '/' || unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return DefaultFileName
	}
	if len(name) > maxNameLength {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = truncateUTF8(name, maxNameLength-len(ext)) + ext
	}
	return name
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
