package objstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"jobd/internal/apperrors"
)

// metaDir is the hidden tree mirroring object keys to tag documents.
const metaDir = ".meta"

// FSStore is a directory-backed Store. Objects live at <root>/<key>;
// metadata tags live in a parallel JSON tree under <root>/.meta/. Writes go
// through a temp file and rename, so readers never observe partial objects.
//
// It backs single-host deployments and every test in the repository.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at dir, creating it if
// needed.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, apperrors.Validation("dir", "object store root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Internal("objstore.init", err)
	}
	return &FSStore{root: dir}, nil
}

// Root returns the store's base directory.
func (s *FSStore) Root() string { return s.root }

func (s *FSStore) List(ctx context.Context, prefix string) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}

	var objects []Object
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == metaDir && filepath.Dir(path) == s.root {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		objects = append(objects, Object{
			Key:  filepath.ToSlash(rel),
			Size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, apperrors.Internal("objstore.list", err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, apperrors.Internal("objstore.exists", err)
	}
	return !info.IsDir(), nil
}

func (s *FSStore) Metadata(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ok, err := s.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NotFound("object", key)
	}

	data, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, apperrors.Internal("objstore.metadata", err)
	}

	tags := map[string]string{}
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, apperrors.Internal("objstore.metadata", err)
	}
	return tags, nil
}

func (s *FSStore) Download(ctx context.Context, key, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := s.resolve(key)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound("object", key)
		}
		return apperrors.Internal("objstore.download", err)
	}
	defer in.Close()

	if err := writeAtomic(localPath, in); err != nil {
		return apperrors.Internal("objstore.download", err)
	}
	return nil
}

func (s *FSStore) Upload(ctx context.Context, localPath, key string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	in, err := os.Open(localPath)
	if err != nil {
		return apperrors.Internal("objstore.upload", err)
	}
	defer in.Close()

	dst, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := writeAtomic(dst, in); err != nil {
		return apperrors.Internal("objstore.upload", err)
	}

	// Replace tags wholesale, per the Store contract.
	metaPath := s.metaPath(key)
	if len(metadata) == 0 {
		if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
			return apperrors.Internal("objstore.upload", err)
		}
		return nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return apperrors.Internal("objstore.upload", err)
	}
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o755); err != nil {
		return apperrors.Internal("objstore.upload", err)
	}
	if err := os.WriteFile(metaPath, data, 0o644); err != nil {
		return apperrors.Internal("objstore.upload", err)
	}
	return nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperrors.Internal("objstore.delete", err)
	}
	if err := os.Remove(s.metaPath(key)); err != nil && !os.IsNotExist(err) {
		return apperrors.Internal("objstore.delete", err)
	}
	return nil
}

// resolve maps a key to a filesystem path, rejecting escapes from root.
func (s *FSStore) resolve(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", apperrors.Validation("key", fmt.Sprintf("key %q escapes the store root", key))
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FSStore) metaPath(key string) string {
	return filepath.Join(s.root, metaDir, filepath.FromSlash(strings.TrimPrefix(key, "/"))+".json")
}

// writeAtomic streams r into path via a temp file in the same directory and
// renames it into place.
func writeAtomic(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
