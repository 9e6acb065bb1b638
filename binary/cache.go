package binary

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Cache keeps one read-only copy of every target binary that was run,
// addressed by its SHA-256. The LRU only remembers which hashes were stored
// recently; the files on disk are never evicted.
type Cache struct {
	cache   *lru.Cache
	binsDir string
	logger  *zap.Logger
}

// NewCache creates a size-constrained binary cache with LRU eviction
func NewCache(size int, binsDir string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(binsDir, 0755); err != nil {
		return nil, err
	}

	return &Cache{
		cache:   cache,
		binsDir: binsDir,
		logger:  logger,
	}, nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HasBinary checks if a binary hash is stored, consulting disk when the
// hash is not in the LRU.
func (c *Cache) HasBinary(hash string) bool {
	if _, found := c.cache.Get(hash); found {
		return true
	}
	if _, err := os.Stat(c.GetBinaryPath(hash)); err == nil {
		c.cache.Add(hash, struct{}{})
		return true
	}
	return false
}

// GetBinaryPath returns the path where a binary with given hash would be stored
func (c *Cache) GetBinaryPath(hash string) string {
	return filepath.Join(c.binsDir, hash[:2], hash+".bin")
}

// Store hashes sourcePath and copies it into the cache unless it is already
// there. It returns the hash either way.
func (c *Cache) Store(sourcePath string) (string, error) {
	hash, err := HashFile(sourcePath)
	if err != nil {
		return "", err
	}
	if c.HasBinary(hash) {
		return hash, nil
	}
	if err := c.StoreBinary(sourcePath, hash); err != nil {
		return hash, err
	}
	c.cache.Add(hash, struct{}{})
	return hash, nil
}

// StoreBinary copies a binary to the storage location based on its hash
func (c *Cache) StoreBinary(sourcePath, hash string) error {
	sourceFile, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	dirPath := filepath.Join(c.binsDir, hash[:2])
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return err
	}

	// Write to a temp name so a partial copy is never visible under the hash.
	destPath := filepath.Join(dirPath, hash+".bin")
	tmp, err := os.CreateTemp(dirPath, hash+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, sourceFile); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0444); err != nil {
		c.logger.Warn("Failed to set permissions on binary", zap.String("hash", hash), zap.Error(err))
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), destPath)
}
