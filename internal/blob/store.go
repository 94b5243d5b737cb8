package blob

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store writes attachment blobs under a base directory and hands back the
// public URL they will be served from. Keys are namespaced by user id and
// made collision-free with a timestamp plus a random suffix.
type Store struct {
	baseDir  string
	baseURL  string
	maxBytes int64
}

// Object describes a stored blob.
type Object struct {
	Key         string
	URL         string
	ContentType string
	Size        int64
}

// ErrTooLarge is returned when a payload exceeds the configured size cap.
var ErrTooLarge = fmt.Errorf("payload exceeds maximum allowed size")

// ErrInvalidUserID is returned when the user id cannot be used as a key
// segment. The id comes from the request body, so it must never be able to
// steer the destination path out of the base directory.
var ErrInvalidUserID = fmt.Errorf("user id is not a valid key segment")

// NewStore constructs a blob store rooted at baseDir, serving from baseURL.
func NewStore(baseDir, baseURL string, maxBytes int64) *Store {
	return &Store{
		baseDir:  baseDir,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxBytes: maxBytes,
	}
}

// MaxBytes reports the configured per-object size cap.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Put stores data under a key derived from the user id and file name and
// returns the resulting object. An empty contentType is sniffed from the
// payload.
func (s *Store) Put(userID, name string, data []byte, contentType string) (*Object, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id required")
	}
	if strings.ContainsAny(userID, `/\`) || strings.Contains(userID, "..") {
		return nil, ErrInvalidUserID
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, ErrTooLarge
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	ext := filepath.Ext(name)
	key := fmt.Sprintf("%s/%d-%s%s", userID, time.Now().UnixNano(), uuid.NewString(), ext)

	destPath := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if !strings.HasPrefix(destPath, filepath.Clean(s.baseDir)+string(filepath.Separator)) {
		return nil, ErrInvalidUserID
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write blob: %w", err)
	}

	return &Object{
		Key:         key,
		URL:         s.baseURL + "/" + path.Clean(key),
		ContentType: contentType,
		Size:        int64(len(data)),
	}, nil
}
