package objstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"jobd/internal/apperrors"
	"jobd/internal/testutil"
)

func TestFSStore_UploadDownloadRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	ctx := context.Background()

	src := testutil.MustWriteFile(t, t.TempDir(), "config.json", `{"job_id": 202401010001}`)
	tags := map[string]string{"vnum": "3", "jobs_since": "202401010001"}

	if err := store.Upload(ctx, src, "inbox/validate/jane.doe/202401010001/config.json", tags); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	exists, err := store.Exists(ctx, "inbox/validate/jane.doe/202401010001/config.json")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Fatal("Exists() = false after upload")
	}

	got, err := store.Metadata(ctx, "inbox/validate/jane.doe/202401010001/config.json")
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if got["vnum"] != "3" || got["jobs_since"] != "202401010001" {
		t.Errorf("Metadata() = %v, want %v", got, tags)
	}

	dst := filepath.Join(t.TempDir(), "nested", "config.json")
	if err := store.Download(ctx, "inbox/validate/jane.doe/202401010001/config.json", dst); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if string(data) != `{"job_id": 202401010001}` {
		t.Errorf("downloaded content = %q", data)
	}
}

func TestFSStore_MetadataReplacedWholesale(t *testing.T) {
	t.Parallel()

	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	ctx := context.Background()
	src := testutil.MustWriteFile(t, t.TempDir(), "db.sqlite", "payload")

	if err := store.Upload(ctx, src, "db/jobd.db", map[string]string{"vnum": "1", "extra": "x"}); err != nil {
		t.Fatalf("first Upload() error = %v", err)
	}
	if err := store.Upload(ctx, src, "db/jobd.db", map[string]string{"vnum": "2"}); err != nil {
		t.Fatalf("second Upload() error = %v", err)
	}

	got, err := store.Metadata(ctx, "db/jobd.db")
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if got["vnum"] != "2" {
		t.Errorf("vnum = %q, want 2", got["vnum"])
	}
	if _, ok := got["extra"]; ok {
		t.Error("stale tag survived re-upload")
	}
}

func TestFSStore_List(t *testing.T) {
	t.Parallel()

	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	ctx := context.Background()
	srcDir := t.TempDir()

	uploads := []struct {
		key  string
		tags map[string]string
	}{
		{"inbox/validate/jane.doe/202401010001/config.json", map[string]string{"md5": "abc"}},
		{"inbox/validate/jane.doe/202401010001/dem.tif", nil},
		{"inbox/validate/jane.doe/202401010002/config.json", nil},
		{"outbox/validate/jane.doe/202401010001/summary.txt", nil},
	}
	for _, up := range uploads {
		src := testutil.MustWriteFile(t, srcDir, filepath.Base(up.key), "data")
		if err := store.Upload(ctx, src, up.key, up.tags); err != nil {
			t.Fatalf("Upload(%s) error = %v", up.key, err)
		}
	}

	tests := []struct {
		name     string
		prefix   string
		wantKeys []string
	}{
		{
			name:   "job prefix",
			prefix: "inbox/validate/jane.doe/202401010001",
			wantKeys: []string{
				"inbox/validate/jane.doe/202401010001/config.json",
				"inbox/validate/jane.doe/202401010001/dem.tif",
			},
		},
		{
			name:   "user prefix",
			prefix: "inbox/validate/jane.doe",
			wantKeys: []string{
				"inbox/validate/jane.doe/202401010001/config.json",
				"inbox/validate/jane.doe/202401010001/dem.tif",
				"inbox/validate/jane.doe/202401010002/config.json",
			},
		},
		{
			name:     "missing prefix",
			prefix:   "inbox/validate/nobody",
			wantKeys: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			objects, err := store.List(ctx, tt.prefix)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(objects) != len(tt.wantKeys) {
				t.Fatalf("List() returned %d objects, want %d: %v", len(objects), len(tt.wantKeys), objects)
			}
			for i, want := range tt.wantKeys {
				if objects[i].Key != want {
					t.Errorf("objects[%d].Key = %q, want %q", i, objects[i].Key, want)
				}
			}
		})
	}
}

func TestFSStore_ListSkipsMetadataTree(t *testing.T) {
	t.Parallel()

	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	ctx := context.Background()

	src := testutil.MustWriteFile(t, t.TempDir(), "f.txt", "data")
	if err := store.Upload(ctx, src, "a/f.txt", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	objects, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objects) != 1 || objects[0].Key != "a/f.txt" {
		t.Errorf("List() = %v, want only a/f.txt", objects)
	}
}

func TestFSStore_Delete(t *testing.T) {
	t.Parallel()

	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	ctx := context.Background()

	src := testutil.MustWriteFile(t, t.TempDir(), "f.txt", "data")
	if err := store.Upload(ctx, src, "a/f.txt", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if err := store.Delete(ctx, "a/f.txt"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	exists, err := store.Exists(ctx, "a/f.txt")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("object still exists after Delete()")
	}
	if _, err := store.Metadata(ctx, "a/f.txt"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Metadata() after delete error = %v, want ErrNotFound", err)
	}

	// Deleting a missing key is a no-op.
	if err := store.Delete(ctx, "a/f.txt"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestFSStore_DownloadMissing(t *testing.T) {
	t.Parallel()

	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}

	err = store.Download(context.Background(), "no/such/key", filepath.Join(t.TempDir(), "out"))
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Download() error = %v, want ErrNotFound", err)
	}
}

func TestFSStore_RejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"../outside", "a/../../outside", ".."} {
		if _, err := store.Exists(ctx, key); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("Exists(%q) error = %v, want ErrValidation", key, err)
		}
	}
}

func TestMD5File(t *testing.T) {
	t.Parallel()

	path := testutil.MustWriteFile(t, t.TempDir(), "f.txt", "hello world")

	hash, size, err := MD5File(path)
	if err != nil {
		t.Fatalf("MD5File() error = %v", err)
	}
	if hash != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("hash = %q", hash)
	}
	if size != 11 {
		t.Errorf("size = %d, want 11", size)
	}
}
