// Package storage manages the uploads area where submitted drawings are kept.
package storage

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// URLPrefix is the public path segment the uploads area is served under.
const URLPrefix = "uploads"

// StoredImage proves that an image was written to the uploads area. Only
// Store.Save creates non-zero values.
type StoredImage struct {
	relPath     string
	contentType string
	size        int
}

// Path is the stable, host-agnostic reference persisted with records,
// e.g. "uploads/test_1700000000000_ab12cd.png".
func (s StoredImage) Path() string {
	return s.relPath
}

// ContentType is the sniffed MIME type of the stored bytes.
func (s StoredImage) ContentType() string {
	return s.contentType
}

// Size is the number of bytes written.
func (s StoredImage) Size() int {
	return s.size
}

// IsZero reports whether s was never produced by a Store.
func (s StoredImage) IsZero() bool {
	return s.relPath == ""
}

// Store writes uploads below a root directory.
type Store struct {
	root string
	now  func() time.Time
}

// NewStore creates root if needed and returns a Store writing into it.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &Store{root: root, now: time.Now}, nil
}

// Root is the directory served at /uploads.
func (s *Store) Root() string {
	return s.root
}

// Save writes data under a fresh unique name and returns its handle.
func (s *Store) Save(data []byte) (StoredImage, error) {
	if len(data) == 0 {
		return StoredImage{}, errors.New("refusing to store empty image")
	}
	contentType := http.DetectContentType(data)
	name := fmt.Sprintf("test_%d_%s.%s", s.now().UnixMilli(), uuid.NewString()[:8], extensionFor(contentType))

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return StoredImage{}, fmt.Errorf("create upload: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return StoredImage{}, fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return StoredImage{}, fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.root, name)); err != nil {
		os.Remove(tmp.Name())
		return StoredImage{}, fmt.Errorf("publish upload: %w", err)
	}

	return StoredImage{relPath: path.Join(URLPrefix, name), contentType: contentType, size: len(data)}, nil
}

// Remove deletes a stored image, used to roll back when the record insert fails.
func (s *Store) Remove(img StoredImage) error {
	if img.IsZero() {
		return nil
	}
	name := strings.TrimPrefix(img.relPath, URLPrefix+"/")
	return os.Remove(filepath.Join(s.root, filepath.Base(name)))
}

// ResolveURL joins a stored reference onto the request's scheme and host.
func ResolveURL(baseURL, ref string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(ref, "/")
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpeg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/bmp":
		return "bmp"
	default:
		return "bin"
	}
}
