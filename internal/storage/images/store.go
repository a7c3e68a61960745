// -----------------------------------------------------------------------
// Image Store
// Writes generated dish images to disk, content-addressed by SHA-256
// -----------------------------------------------------------------------

package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
)

// MaxImageSize is the largest image accepted for storage
const MaxImageSize = 10 * 1024 * 1024

// StoredImage represents an image written to the store
type StoredImage struct {
	LocalPath   string `json:"local_path"` // Relative path from the base dir
	FullPath    string `json:"full_path"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Hash        string `json:"hash"`
}

// Store handles writing images and resolving their public URLs
type Store struct {
	baseDir   string
	urlPrefix string
	logger    arbor.ILogger

	// Cache of hash -> local path for deduplication
	hashCache   map[string]string
	hashCacheMu sync.RWMutex
}

// NewStore creates the image store and its base directory
func NewStore(config common.ImagesConfig, logger arbor.ILogger) (*Store, error) {
	if config.Dir == "" {
		return nil, errors.New("image directory is required")
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}

	prefix := config.URLPrefix
	if prefix == "" {
		prefix = "/images/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{
		baseDir:   config.Dir,
		urlPrefix: prefix,
		logger:    logger,
		hashCache: make(map[string]string),
	}, nil
}

// Dir returns the base directory served under the URL prefix
func (s *Store) Dir() string {
	return s.baseDir
}

// URLPrefix returns the public path prefix
func (s *Store) URLPrefix() string {
	return s.urlPrefix
}

// Save writes data under its content hash. Saving identical bytes twice returns the same image.
func (s *Store) Save(ctx context.Context, data []byte, contentType string) (*StoredImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("image is empty")
	}
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("image too large: %d bytes", len(data))
	}
	if !isImageContentType(contentType) {
		return nil, fmt.Errorf("not an image: %s", contentType)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	result := &StoredImage{
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hash,
	}

	s.hashCacheMu.RLock()
	existingPath, exists := s.hashCache[hash]
	s.hashCacheMu.RUnlock()

	if exists {
		s.fill(result, existingPath)
		return result, nil
	}

	ext := extensionFromContentType(contentType)
	if ext == "" {
		ext = ".bin"
	}

	// Organize by first 2 chars of hash for directory distribution
	localPath := filepath.Join(hash[:2], hash+ext)
	fullPath := filepath.Join(s.baseDir, localPath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}

	// Write then rename so readers never see a partial file
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to store image: %w", err)
	}

	s.hashCacheMu.Lock()
	s.hashCache[hash] = localPath
	s.hashCacheMu.Unlock()

	s.fill(result, localPath)

	s.logger.Debug().
		Str("path", localPath).
		Int64("size", result.Size).
		Msg("Image stored")

	return result, nil
}

// Path returns the full path for a stored image by hash
func (s *Store) Path(hash string) (string, bool) {
	s.hashCacheMu.RLock()
	defer s.hashCacheMu.RUnlock()

	localPath, exists := s.hashCache[hash]
	if !exists {
		return "", false
	}
	return filepath.Join(s.baseDir, localPath), true
}

func (s *Store) fill(result *StoredImage, localPath string) {
	result.LocalPath = localPath
	result.FullPath = filepath.Join(s.baseDir, localPath)
	result.URL = s.urlPrefix + path.Clean(filepath.ToSlash(localPath))
}

// isImageContentType checks if content type is an image
func isImageContentType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "image/")
}

// extensionFromContentType returns file extension for content type
func extensionFromContentType(contentType string) string {
	contentType = strings.ToLower(contentType)
	contentType = strings.Split(contentType, ";")[0]

	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}
