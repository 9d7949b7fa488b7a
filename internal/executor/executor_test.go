package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jobd/internal/apperrors"
	"jobd/internal/config"
	"jobd/internal/descriptor"
	"jobd/internal/handler"
	"jobd/internal/job"
	"jobd/internal/metastore"
	"jobd/internal/notify"
	"jobd/internal/objstore"
)

const (
	testUser  = "jane.doe"
	testJobID = int64(202608230001)
)

type testEnv struct {
	cfg      *config.ServiceConfig
	store    *metastore.Store
	blobs    objstore.Store
	handlers *handler.Registry
	runner   *Runner
	scratch  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Store.Root = filepath.Join(base, "remote")
	cfg.Registry.DataDir = filepath.Join(base, "data")
	cfg.Executor.DownloadPollInterval = 10 * time.Millisecond
	cfg.Executor.DownloadTimeout = 250 * time.Millisecond

	blobs, err := objstore.NewFSStore(cfg.Store.Root)
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	if err := os.MkdirAll(cfg.Registry.DataDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	store, err := metastore.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sync := metastore.NewSyncer(store, blobs, cfg.Store.DatabaseKey, cfg.AppVersion, logger)
	notifier := notify.NewService(store, logger)

	handlers := handler.NewRegistry()
	handlers.Register(job.CommandTest, handler.NewTestHandler())

	return &testEnv{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		handlers: handlers,
		runner:   NewRunner(cfg, store, sync, blobs, notifier, handlers, logger),
		scratch:  filepath.Join(base, "scratch"),
	}
}

// put uploads content to the object store at key.
func (e *testEnv) put(t *testing.T, key, content string) {
	t.Helper()

	if err := os.MkdirAll(e.scratch, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	local := filepath.Join(e.scratch, "object")
	if err := os.WriteFile(local, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := e.blobs.Upload(context.Background(), local, key, nil); err != nil {
		t.Fatalf("Upload(%s) error = %v", key, err)
	}
}

// readObject downloads the object at key and returns its content.
func (e *testEnv) readObject(t *testing.T, key string) string {
	t.Helper()

	local := filepath.Join(e.scratch, "download")
	if err := e.blobs.Download(context.Background(), key, local); err != nil {
		t.Fatalf("Download(%s) error = %v", key, err)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	return string(data)
}

// submit marshals d and uploads it to its canonical descriptor key.
func (e *testEnv) submit(t *testing.T, d *descriptor.Descriptor) string {
	t.Helper()

	data, err := descriptor.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	key := path.Join("inbox", string(d.Command), testUser, "202608230001", d.Filename())
	e.put(t, key, string(data))
	return key
}

func testDescriptor(cmd job.Command, files []string, args descriptor.Args) *descriptor.Descriptor {
	return &descriptor.Descriptor{
		Username:        testUser,
		JobID:           testJobID,
		Command:         cmd,
		JobName:         job.Key(testUser, testJobID),
		UploadPrefix:    path.Join("inbox", string(cmd), testUser, "202608230001"),
		ProtocolVersion: "0.5.0",
		Files:           files,
		Args:            args,
	}
}

// exportKey is where a finished job's output file lands in the store.
func exportKey(cmd job.Command, filename string) string {
	return path.Join("outbox", string(cmd), testUser, "202608230001", filename)
}

const testLogName = "jane.doe_202608230001_log.txt"

func TestRun_CompleteJob(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()

	d := testDescriptor(job.CommandTest, []string{"a.txt", "b.txt"}, &descriptor.TestArgs{})
	e.put(t, path.Join(d.UploadPrefix, "a.txt"), "alpha")
	e.put(t, path.Join(d.UploadPrefix, "b.txt"), "bravo")
	key := e.submit(t, d)

	if err := e.runner.Run(ctx, key); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	j, err := e.store.GetJob(ctx, testUser, testJobID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if j.Status != job.StatusComplete {
		t.Errorf("job status = %s, want %s", j.Status, job.StatusComplete)
	}

	exported, err := e.blobs.Exists(ctx, exportKey(job.CommandTest, "test_results.txt"))
	if err != nil || !exported {
		t.Errorf("exported results: exists = %v, err = %v", exported, err)
	}

	recs, err := e.store.ListNotifications(ctx, testUser, testJobID)
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("notifications = %d, want 2", len(recs))
	}
	if !strings.Contains(recs[0].Subject, "has been created") {
		t.Errorf("first subject = %q, want the submission message", recs[0].Subject)
	}
	if !strings.Contains(recs[1].Subject, "completed successfully") {
		t.Errorf("second subject = %q, want completed successfully", recs[1].Subject)
	}

	for _, want := range []struct {
		filename  string
		direction job.Direction
		status    job.FileStatus
	}{
		{"a.txt", job.DirectionImport, job.FileProcessed},
		{"b.txt", job.DirectionImport, job.FileProcessed},
		{"test_results.txt", job.DirectionExport, job.FileUploaded},
		{d.Filename(), job.DirectionImport, job.FileProcessed},
	} {
		rec, err := e.store.GetFileRecord(ctx, testUser, testJobID, want.filename)
		if err != nil {
			t.Errorf("GetFileRecord(%s) error = %v", want.filename, err)
			continue
		}
		if rec.Direction != want.direction || rec.Status != want.status {
			t.Errorf("%s = (%s, %s), want (%s, %s)",
				want.filename, rec.Direction, rec.Status, want.direction, want.status)
		}
	}

	ref, err := descriptor.ParseKey(e.cfg.Store.ImportPrefix, key)
	if err != nil {
		t.Fatalf("ParseKey() error = %v", err)
	}
	if _, err := os.Stat(NewWorkspace(e.cfg.JobsDir(), ref).Root); !os.IsNotExist(err) {
		t.Errorf("workspace still present after a clean run")
	}

	pushed, err := e.blobs.Exists(ctx, e.cfg.Store.DatabaseKey)
	if err != nil || !pushed {
		t.Errorf("pushed database: exists = %v, err = %v", pushed, err)
	}
}

func TestRun_InputTimeout(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()

	d := testDescriptor(job.CommandTest, []string{"a.txt", "missing.txt"}, &descriptor.TestArgs{})
	e.put(t, path.Join(d.UploadPrefix, "a.txt"), "alpha")
	key := e.submit(t, d)

	if err := e.runner.Run(ctx, key); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	j, err := e.store.GetJob(ctx, testUser, testJobID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if j.Status != job.StatusComplete {
		t.Errorf("job status = %s, want %s", j.Status, job.StatusComplete)
	}

	rec, err := e.store.GetFileRecord(ctx, testUser, testJobID, "missing.txt")
	if err != nil {
		t.Fatalf("GetFileRecord(missing.txt) error = %v", err)
	}
	if rec.Status != job.FileTimeout {
		t.Errorf("missing.txt status = %s, want %s", rec.Status, job.FileTimeout)
	}

	recs, err := e.store.ListNotifications(ctx, testUser, testJobID)
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("notifications = %d, want 2", len(recs))
	}
	if !strings.Contains(recs[1].Subject, "completed with partial success") {
		t.Errorf("finish subject = %q, want partial success", recs[1].Subject)
	}

	logText := e.readObject(t, exportKey(job.CommandTest, testLogName))
	if !strings.Contains(logText, "did not arrive") {
		t.Errorf("log = %q, want a timeout line", logText)
	}
}

func TestRun_QuarantinedInput(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()

	d := testDescriptor(job.CommandTest, []string{"a.txt", "virus.bin"}, &descriptor.TestArgs{})
	e.put(t, path.Join(d.UploadPrefix, "a.txt"), "alpha")
	e.put(t, path.Join("quarantine", "test", testUser, "202608230001", "virus.bin"), "flagged")
	key := e.submit(t, d)

	if err := e.runner.Run(ctx, key); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec, err := e.store.GetFileRecord(ctx, testUser, testJobID, "virus.bin")
	if err != nil {
		t.Fatalf("GetFileRecord(virus.bin) error = %v", err)
	}
	if rec.Status != job.FileQuarantined {
		t.Errorf("virus.bin status = %s, want %s", rec.Status, job.FileQuarantined)
	}

	j, err := e.store.GetJob(ctx, testUser, testJobID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if j.Status != job.StatusComplete {
		t.Errorf("job status = %s, want %s", j.Status, job.StatusComplete)
	}

	logText := e.readObject(t, exportKey(job.CommandTest, testLogName))
	if !strings.Contains(logText, "quarantined") {
		t.Errorf("log = %q, want a quarantine line", logText)
	}
}

// blockingHandler holds the job until its context is cancelled, standing in
// for long-running work interrupted by a kill.
type blockingHandler struct {
	started chan struct{}
}

func (h *blockingHandler) Handle(ctx context.Context, _ *job.Job, _ descriptor.Args, _ []string, _ string) ([]string, error) {
	close(h.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_KillSignal(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	h := &blockingHandler{started: make(chan struct{})}
	e.handlers.Register(job.CommandTest, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-h.started
		cancel()
	}()

	d := testDescriptor(job.CommandTest, nil, &descriptor.TestArgs{})
	key := e.submit(t, d)

	if err := e.runner.Run(ctx, key); err == nil {
		t.Fatal("Run() error = nil, want the kill error")
	}

	j, err := e.store.GetJob(context.Background(), testUser, testJobID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if j.Status != job.StatusKilled {
		t.Errorf("job status = %s, want %s", j.Status, job.StatusKilled)
	}

	logText := e.readObject(t, exportKey(job.CommandTest, testLogName))
	if !strings.Contains(logText, "kill signal") {
		t.Errorf("log = %q, want a kill line", logText)
	}

	n, err := e.store.CountNotifications(context.Background(), testUser, testJobID)
	if err != nil {
		t.Fatalf("CountNotifications() error = %v", err)
	}
	if n != 2 {
		t.Errorf("notifications = %d, want 2", n)
	}
}

func TestRun_InvalidDescriptor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(d *descriptor.Descriptor)
	}{
		{"protocol too old", func(d *descriptor.Descriptor) {
			d.ProtocolVersion = "0.1.0"
		}},
		{"identity mismatch", func(d *descriptor.Descriptor) {
			d.Username = "mallory"
			d.JobName = job.Key("mallory", testJobID)
		}},
		{"upload prefix mismatch", func(d *descriptor.Descriptor) {
			d.UploadPrefix = path.Join("inbox", "test", "someone.else", "202608230001")
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := newTestEnv(t)
			ctx := context.Background()

			d := testDescriptor(job.CommandTest, nil, &descriptor.TestArgs{})
			tc.mutate(d)
			key := e.submit(t, d)

			err := e.runner.Run(ctx, key)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("Run() error = %v, want a validation error", err)
			}

			j, err := e.store.GetJob(ctx, testUser, testJobID)
			if err != nil {
				t.Fatalf("GetJob() error = %v", err)
			}
			if j.Status != job.StatusError {
				t.Errorf("job status = %s, want %s", j.Status, job.StatusError)
			}

			// No start notification for a job that never processed, but the
			// finish notification is still owed.
			n, err := e.store.CountNotifications(ctx, testUser, testJobID)
			if err != nil {
				t.Fatalf("CountNotifications() error = %v", err)
			}
			if n != 1 {
				t.Errorf("notifications = %d, want 1", n)
			}

			logText := e.readObject(t, exportKey(job.CommandTest, testLogName))
			if !strings.Contains(logText, "invalid") {
				t.Errorf("log = %q, want an invalid-descriptor line", logText)
			}
		})
	}
}

func TestRun_MalformedKey(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	err := e.runner.Run(context.Background(), "inbox/nonsense.json")
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("Run() error = %v, want a validation error", err)
	}

	jobs, err := e.store.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("jobs registered = %d, want 0", len(jobs))
	}
}

func TestReconcile_OrphanedJob(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		killed bool
		want   job.Status
	}{
		{"crashed worker", false, job.StatusError},
		{"killed worker", true, job.StatusKilled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := newTestEnv(t)
			ctx := context.Background()

			d := testDescriptor(job.CommandTest, []string{"a.txt"}, &descriptor.TestArgs{})
			key := e.submit(t, d)
			ref, err := descriptor.ParseKey(e.cfg.Store.ImportPrefix, key)
			if err != nil {
				t.Fatalf("ParseKey() error = %v", err)
			}
			ws := NewWorkspace(e.cfg.JobsDir(), ref)

			// The worker registered its row, then died.
			if _, err := e.store.CreateJob(ctx, job.Job{
				Username:     testUser,
				JobID:        testJobID,
				Command:      job.CommandTest,
				Status:       job.StatusStarted,
				PID:          99999,
				ConfigFile:   ref.Filename,
				LogFile:      ws.LogName(),
				ImportPrefix: ref.Prefix(),
				ExportPrefix: path.Join("outbox", ref.SubPrefix()),
				InputDir:     ws.Root,
				OutputDir:    ws.OutputDir,
			}); err != nil {
				t.Fatalf("CreateJob() error = %v", err)
			}

			if err := e.runner.Reconcile(ctx, testUser, testJobID, tc.killed); err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}

			j, err := e.store.GetJob(ctx, testUser, testJobID)
			if err != nil {
				t.Fatalf("GetJob() error = %v", err)
			}
			if j.Status != tc.want {
				t.Errorf("job status = %s, want %s", j.Status, tc.want)
			}

			rec, err := e.store.GetFileRecord(ctx, testUser, testJobID, "a.txt")
			if err != nil {
				t.Fatalf("GetFileRecord(a.txt) error = %v", err)
			}
			if rec.Status != job.FileError {
				t.Errorf("a.txt status = %s, want %s", rec.Status, job.FileError)
			}

			n, err := e.store.CountNotifications(ctx, testUser, testJobID)
			if err != nil {
				t.Fatalf("CountNotifications() error = %v", err)
			}
			if n != 1 {
				t.Errorf("notifications = %d, want 1", n)
			}

			logText := e.readObject(t, exportKey(job.CommandTest, testLogName))
			if !strings.Contains(logText, "exited unexpectedly") {
				t.Errorf("log = %q, want the orphan line", logText)
			}

			if _, err := os.Stat(ws.Root); !os.IsNotExist(err) {
				t.Errorf("workspace still present after reconciliation")
			}
		})
	}
}

func TestReconcile_FinishedJobLeftAlone(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()

	if _, err := e.store.CreateJob(ctx, job.Job{
		Username:   testUser,
		JobID:      testJobID,
		Command:    job.CommandTest,
		Status:     job.StatusStarted,
		ConfigFile: "jane.doe_202608230001.json",
		LogFile:    testLogName,
	}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := e.store.UpdateJobStatus(ctx, testUser, testJobID, job.StatusRunning); err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}
	if err := e.store.UpdateJobStatus(ctx, testUser, testJobID, job.StatusComplete); err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}
	subjects := []string{
		notify.SubmittedSubject(testUser, testJobID),
		notify.FinishedSubject(testUser, testJobID, job.StatusComplete, notify.FileCounts{}),
	}
	for _, subject := range subjects {
		if err := e.store.RecordNotification(ctx, job.NotificationRecord{
			Username: testUser,
			JobID:    testJobID,
			Subject:  subject,
		}); err != nil {
			t.Fatalf("RecordNotification() error = %v", err)
		}
	}

	if err := e.runner.Reconcile(ctx, testUser, testJobID, false); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	n, err := e.store.CountNotifications(ctx, testUser, testJobID)
	if err != nil {
		t.Fatalf("CountNotifications() error = %v", err)
	}
	if n != 2 {
		t.Errorf("notifications = %d, want the original 2", n)
	}
}

func TestFileCounts(t *testing.T) {
	t.Parallel()

	files := []job.FileRecord{
		{Filename: "jane.doe_202608230001.json", Direction: job.DirectionImport, Status: job.FileProcessed},
		{Filename: "a.txt", Direction: job.DirectionImport, Status: job.FileProcessed},
		{Filename: "b.txt", Direction: job.DirectionImport, Status: job.FileTimeout},
		{Filename: "c.txt", Direction: job.DirectionBoth, Status: job.FileUploaded, SizeBytes: 100},
		{Filename: "results.txt", Direction: job.DirectionExport, Status: job.FileUploaded, SizeBytes: 2048},
		{Filename: "lost.txt", Direction: job.DirectionExport, Status: job.FileError, SizeBytes: 7},
	}

	got := fileCounts(files, "jane.doe_202608230001.json")

	want := notify.FileCounts{Input: 3, Successful: 2, Unsuccessful: 1, Exported: 2, ExportBytes: 2148}
	if got != want {
		t.Errorf("fileCounts() = %+v, want %+v", got, want)
	}
}

func TestCommandLine(t *testing.T) {
	t.Parallel()

	d := &descriptor.Descriptor{
		Command: job.CommandValidate,
		Files:   []string{"dem.tif", "second file.tif"},
		Args:    &descriptor.ValidateArgs{InputVdatum: "egm2008", MeasureCoverage: true, BandNum: 2},
	}

	got := commandLine(d)
	want := `validate --band_num 2 --input_vdatum egm2008 --measure_coverage true --files dem.tif "second file.tif"`
	if got != want {
		t.Errorf("commandLine() = %q, want %q", got, want)
	}
}

func TestExpectedNotifications(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cmd  job.Command
		want int
	}{
		{job.CommandValidate, 2},
		{job.CommandTest, 2},
		{job.CommandSubscribe, 1},
		{job.CommandUnsubscribe, 0},
	}
	for _, tc := range cases {
		if got := expectedNotifications(tc.cmd); got != tc.want {
			t.Errorf("expectedNotifications(%s) = %d, want %d", tc.cmd, got, tc.want)
		}
	}
}
