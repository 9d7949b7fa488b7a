// Package objstore abstracts the durable blob store the daemon runs
// against: the inbox where job descriptors and input files land, the export
// area where results are published, and the slot holding the mirrored
// metadata database.
package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Store is the blob key-value contract every backend implements.
//
// Keys are slash-separated paths with no leading slash. Implementations must
// be safe for concurrent use: the registry, several worker processes, and
// the admin CLI may all hold a Store at once.
//
// Durability contract:
//   - Upload must be atomic from a reader's perspective: a concurrent
//     Download sees either the old bytes or the new bytes, never a torn
//     write. The metadata sync protocol depends on this.
//   - Metadata tags ride with the object and are replaced wholesale on
//     every Upload.
//   - Missing keys surface as apperrors.ErrNotFound so callers can
//     distinguish absence from transport failure.
type Store interface {
	// List returns the objects under prefix, recursively, in lexical key
	// order.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Exists reports whether key holds an object.
	Exists(ctx context.Context, key string) (bool, error)

	// Metadata returns the tags stored with key.
	Metadata(ctx context.Context, key string) (map[string]string, error)

	// Download copies the object at key to localPath, replacing any
	// existing file atomically.
	Download(ctx context.Context, key, localPath string) error

	// Upload stores the file at localPath under key with the given tags.
	// A nil tag map clears existing tags.
	Upload(ctx context.Context, localPath, key string, metadata map[string]string) error

	// Delete removes the object at key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error
}

// Object describes one stored blob.
type Object struct {
	Key  string
	Size int64
}

// MD5File computes the hex MD5 digest and size of a local file. File
// records carry both.
func MD5File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
