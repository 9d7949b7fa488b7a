package metastore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jobd/internal/apperrors"
	"jobd/internal/job"
)

func TestArchive_RetiresOldJobs(t *testing.T) {
	t.Parallel()

	remote := newTestRemote(t)
	sy, store := newTestSyncer(t, remote)
	ctx := context.Background()

	// One retired job with a file and a notification, one job to keep.
	oldJob := testJob(202401010001)
	oldJob.Status = job.StatusComplete
	if _, err := store.CreateJob(ctx, oldJob); err != nil {
		t.Fatalf("CreateJob(old) error = %v", err)
	}
	if _, err := store.CreateFileRecord(ctx, job.FileRecord{
		Username: "jane.doe", JobID: 202401010001, Filename: "dem.tif",
		Direction: job.DirectionImport, Status: job.FileUploaded,
	}); err != nil {
		t.Fatalf("CreateFileRecord() error = %v", err)
	}
	if err := store.RecordNotification(ctx, job.NotificationRecord{
		Username: "jane.doe", JobID: 202401010001, Subject: "job finished",
	}); err != nil {
		t.Fatalf("RecordNotification() error = %v", err)
	}
	keepJob := testJob(202401050001)
	if _, err := store.CreateJob(ctx, keepJob); err != nil {
		t.Fatalf("CreateJob(keep) error = %v", err)
	}
	if err := sy.Push(ctx, false); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	cutoffDate := time.Date(2024, 1, 3, 15, 30, 0, 0, time.UTC)
	archiveKey, err := sy.Archive(ctx, cutoffDate)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if !strings.HasPrefix(archiveKey, "db/archives/jobd_archive_") {
		t.Errorf("archive key = %q", archiveKey)
	}

	// The live store kept only the newer job and advanced the watermark.
	if _, err := store.GetJob(ctx, "jane.doe", 202401010001); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("retired job still live: err = %v", err)
	}
	if _, err := store.GetJob(ctx, "jane.doe", 202401050001); err != nil {
		t.Errorf("kept job missing: %v", err)
	}
	_, since, err := store.Version(ctx)
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if since != 202401040000 {
		t.Errorf("jobs_since = %d, want 202401040000 (day after cutoff)", since)
	}

	// The pushed remote copy carries the new watermark.
	tags, err := remote.Metadata(ctx, testDBKey)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if tags[TagJobsSince] != "202401040000" {
		t.Errorf("remote jobs_since tag = %q", tags[TagJobsSince])
	}

	// The archive artifact holds exactly the retired rows.
	archivePath := filepath.Join(t.TempDir(), "archive.db")
	if err := remote.Download(ctx, archiveKey, archivePath); err != nil {
		t.Fatalf("downloading archive: %v", err)
	}
	archived, err := Open(archivePath)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer archived.Close()

	jobs, err := archived.ListJobs(ctx)
	if err != nil {
		t.Fatalf("archive ListJobs() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].JobID != 202401010001 {
		t.Errorf("archive jobs = %+v, want only the retired job", jobs)
	}
	files, err := archived.ListFiles(ctx, "jane.doe", 202401010001)
	if err != nil {
		t.Fatalf("archive ListFiles() error = %v", err)
	}
	if len(files) != 1 || files[0].Filename != "dem.tif" {
		t.Errorf("archive files = %+v", files)
	}
	n, err := archived.CountNotifications(ctx, "jane.doe", 202401010001)
	if err != nil {
		t.Fatalf("archive CountNotifications() error = %v", err)
	}
	if n != 1 {
		t.Errorf("archive notifications = %d, want 1", n)
	}
}

// A reader that pulled before an archive ran must see the remote as newer and
// converge on the trimmed copy after re-pulling.
func TestArchive_StaleReaderRepulls(t *testing.T) {
	t.Parallel()

	remote := newTestRemote(t)
	sy, store := newTestSyncer(t, remote)
	reader, readerStore := newTestSyncer(t, remote)
	ctx := context.Background()

	oldJob := testJob(202401010001)
	oldJob.Status = job.StatusComplete
	if _, err := store.CreateJob(ctx, oldJob); err != nil {
		t.Fatalf("CreateJob(old) error = %v", err)
	}
	if _, err := store.CreateJob(ctx, testJob(202401050001)); err != nil {
		t.Fatalf("CreateJob(keep) error = %v", err)
	}
	if err := sy.Push(ctx, false); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if err := reader.Connect(ctx); err != nil {
		t.Fatalf("reader Connect() error = %v", err)
	}
	if _, err := readerStore.GetJob(ctx, "jane.doe", 202401010001); err != nil {
		t.Fatalf("reader missing job before archive: %v", err)
	}

	if _, err := sy.Archive(ctx, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	newer, err := reader.IsRemoteNewer(ctx)
	if err != nil {
		t.Fatalf("IsRemoteNewer() error = %v", err)
	}
	if !newer {
		t.Fatal("reader does not see the archived remote as newer")
	}

	if err := reader.Pull(ctx, true); err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if _, err := readerStore.GetJob(ctx, "jane.doe", 202401010001); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("retired job still visible to reader: err = %v", err)
	}
	_, since, err := readerStore.Version(ctx)
	if err != nil {
		t.Fatalf("reader Version() error = %v", err)
	}
	if since != 202401040000 {
		t.Errorf("reader jobs_since = %d, want 202401040000", since)
	}
}

func TestTrimBefore_NoRowsIsNoOp(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, testJob(202401050001)); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	v := vnumOf(t, s)

	// Everything is newer than the cutoff and the watermark already advanced
	// past it once before.
	if err := s.TrimBefore(ctx, 202401040000); err != nil {
		t.Fatalf("TrimBefore() error = %v", err)
	}
	v2 := vnumOf(t, s)
	if v2 != v+1 {
		t.Fatalf("vnum after watermark advance = %d, want %d", v2, v+1)
	}

	if err := s.TrimBefore(ctx, 202401030000); err != nil {
		t.Fatalf("second TrimBefore() error = %v", err)
	}
	if got := vnumOf(t, s); got != v2 {
		t.Errorf("vnum moved on no-op trim: %d -> %d", v2, got)
	}
	_, since, _ := s.Version(ctx)
	if since != 202401040000 {
		t.Errorf("watermark regressed to %d", since)
	}
}
