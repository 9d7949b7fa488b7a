//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"jobd/internal/api"
	"jobd/internal/config"
	"jobd/internal/descriptor"
	"jobd/internal/executor"
	"jobd/internal/handler"
	"jobd/internal/health"
	"jobd/internal/job"
	"jobd/internal/metastore"
	"jobd/internal/notify"
	"jobd/internal/objstore"
)

// stack is the daemon's wiring built in-process: a SQLite metadata store, a
// filesystem object store, and the executor pipeline over them.
type stack struct {
	cfg     *config.ServiceConfig
	store   *metastore.Store
	sync    *metastore.Syncer
	blobs   objstore.Store
	runner  *executor.Runner
	scratch string
}

// stackConfig shapes a default configuration onto base. The worker
// re-execution path in TestMain rebuilds the same view from the base
// directory alone, so the shaping lives apart from the testing plumbing.
func stackConfig(base string) *config.ServiceConfig {
	cfg := config.Default()
	cfg.Store.Root = filepath.Join(base, "remote")
	cfg.Registry.DataDir = filepath.Join(base, "data")
	cfg.Registry.PollInterval = 20 * time.Millisecond
	cfg.Executor.DownloadPollInterval = 10 * time.Millisecond
	cfg.Executor.DownloadTimeout = 2 * time.Second
	return cfg
}

func buildStack(base string) (*stack, error) {
	cfg := stackConfig(base)

	blobs, err := objstore.NewFSStore(cfg.Store.Root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Registry.DataDir, 0o755); err != nil {
		return nil, err
	}
	store, err := metastore.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sync := metastore.NewSyncer(store, blobs, cfg.Store.DatabaseKey, cfg.AppVersion, logger)
	notifier := notify.NewService(store, logger)
	handlers := handler.DefaultRegistry(cfg.Handlers, store, sync, cfg.Notify.AMQPExchange, logger)

	return &stack{
		cfg:     cfg,
		store:   store,
		sync:    sync,
		blobs:   blobs,
		runner:  executor.NewRunner(cfg, store, sync, blobs, notifier, handlers, logger),
		scratch: filepath.Join(base, "scratch"),
	}, nil
}

func newStackAt(tb testing.TB, base string) *stack {
	tb.Helper()

	s, err := buildStack(base)
	if err != nil {
		tb.Fatalf("buildStack() error = %v", err)
	}
	tb.Cleanup(func() { s.store.Close() })
	return s
}

func newStack(tb testing.TB) *stack {
	tb.Helper()
	return newStackAt(tb, tb.TempDir())
}

// startAPI serves the status API over the stack and returns its base URL.
func (s *stack) startAPI(tb testing.TB) string {
	tb.Helper()

	router := api.NewRouter(api.RouterConfig{
		Store:         s.store,
		HealthChecker: health.NewChecker(s.store, s.blobs, s.cfg.Store.DatabaseKey),
	})
	server := httptest.NewServer(router)
	tb.Cleanup(server.Close)
	return server.URL
}

// put uploads content to the object store at key.
func (s *stack) put(tb testing.TB, key, content string) {
	tb.Helper()

	if err := os.MkdirAll(s.scratch, 0o755); err != nil {
		tb.Fatalf("MkdirAll() error = %v", err)
	}
	local := filepath.Join(s.scratch, "object")
	if err := os.WriteFile(local, []byte(content), 0o644); err != nil {
		tb.Fatalf("WriteFile() error = %v", err)
	}
	if err := s.blobs.Upload(context.Background(), local, key, nil); err != nil {
		tb.Fatalf("Upload(%s) error = %v", key, err)
	}
}

// readObject downloads the object at key and returns its content.
func (s *stack) readObject(tb testing.TB, key string) string {
	tb.Helper()

	local := filepath.Join(s.scratch, "download")
	if err := s.blobs.Download(context.Background(), key, local); err != nil {
		tb.Fatalf("Download(%s) error = %v", key, err)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		tb.Fatalf("ReadFile() error = %v", err)
	}
	return string(data)
}

// submit marshals d and uploads it at its canonical descriptor key.
func (s *stack) submit(tb testing.TB, d *descriptor.Descriptor) string {
	tb.Helper()

	data, err := descriptor.Marshal(d)
	if err != nil {
		tb.Fatalf("Marshal() error = %v", err)
	}
	key := path.Join(s.cfg.Store.ImportPrefix, string(d.Command), d.Username,
		strconv.FormatInt(d.JobID, 10), d.Filename())
	s.put(tb, key, string(data))
	return key
}

func testDescriptor(username string, jobID int64, files []string) *descriptor.Descriptor {
	return &descriptor.Descriptor{
		Username:        username,
		JobID:           jobID,
		Command:         job.CommandTest,
		JobName:         job.Key(username, jobID),
		UploadPrefix:    path.Join("inbox", "test", username, strconv.FormatInt(jobID, 10)),
		ProtocolVersion: "0.5.0",
		Files:           files,
		Args:            &descriptor.TestArgs{},
	}
}

// getTestURL returns the base URL for API probes. With E2E_API_URL set they
// run against that daemon; otherwise an in-process stack serves.
func getTestURL(t *testing.T) string {
	if url := os.Getenv("E2E_API_URL"); url != "" {
		t.Logf("Using external API: %s", url)
		return url
	}
	return newStack(t).startAPI(t)
}

// getJSON issues a GET, decodes a 200 response body into out, and returns
// the status code.
func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestAPI_Livez(t *testing.T) {
	baseURL := getTestURL(t)

	if code := getJSON(t, baseURL+"/livez", nil); code != http.StatusOK {
		t.Errorf("GET /livez = %d, want %d", code, http.StatusOK)
	}
}

func TestAPI_Readyz(t *testing.T) {
	baseURL := getTestURL(t)

	var result health.Response
	if code := getJSON(t, baseURL+"/readyz", &result); code != http.StatusOK {
		t.Fatalf("GET /readyz = %d, want %d", code, http.StatusOK)
	}
	if !result.IsHealthy() {
		t.Errorf("readiness = %+v, want healthy", result)
	}
}

func TestAPI_JobVisibleAfterRun(t *testing.T) {
	s := newStack(t)
	baseURL := s.startAPI(t)
	ctx := context.Background()

	d := testDescriptor("jane.doe", 202608230001, []string{"dem_tile.tif"})
	s.put(t, path.Join(d.UploadPrefix, "dem_tile.tif"), "elevation data")
	key := s.submit(t, d)

	if err := s.runner.Run(ctx, key); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var list api.ListJobsResponse
	if code := getJSON(t, baseURL+"/v1/jobs", &list); code != http.StatusOK {
		t.Fatalf("GET /v1/jobs = %d, want %d", code, http.StatusOK)
	}
	if list.Count != 1 {
		t.Fatalf("job list count = %d, want 1", list.Count)
	}
	if got := list.Jobs[0]; got.Username != "jane.doe" || got.Status != job.StatusComplete {
		t.Errorf("listed job = %+v, want jane.doe complete", got)
	}

	var j job.Job
	if code := getJSON(t, baseURL+"/v1/jobs/jane.doe/202608230001", &j); code != http.StatusOK {
		t.Fatalf("GET job = %d, want %d", code, http.StatusOK)
	}
	if j.Status != job.StatusComplete {
		t.Errorf("job status = %s, want %s", j.Status, job.StatusComplete)
	}

	var files api.ListFilesResponse
	if code := getJSON(t, baseURL+"/v1/jobs/jane.doe/202608230001/files", &files); code != http.StatusOK {
		t.Fatalf("GET files = %d, want %d", code, http.StatusOK)
	}
	byName := make(map[string]job.FileRecord, len(files.Files))
	for _, f := range files.Files {
		byName[f.Filename] = f
	}
	if rec := byName["dem_tile.tif"]; rec.Status != job.FileProcessed {
		t.Errorf("dem_tile.tif record = %+v, want processed", rec)
	}
	if rec := byName["test_results.txt"]; rec.Direction != job.DirectionExport || rec.Status != job.FileUploaded {
		t.Errorf("test_results.txt record = %+v, want an uploaded export", rec)
	}
}

func TestAPI_UnfinishedFilter(t *testing.T) {
	s := newStack(t)
	baseURL := s.startAPI(t)
	ctx := context.Background()

	key := s.submit(t, testDescriptor("jane.doe", 202608230001, nil))
	if err := s.runner.Run(ctx, key); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := s.store.CreateJob(ctx, job.Job{
		Username: "john.roe",
		JobID:    202608230002,
		Command:  job.CommandValidate,
		Status:   job.StatusRunning,
	}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	var list api.ListJobsResponse
	if code := getJSON(t, baseURL+"/v1/jobs?unfinished=1", &list); code != http.StatusOK {
		t.Fatalf("GET /v1/jobs?unfinished=1 = %d, want %d", code, http.StatusOK)
	}
	if list.Count != 1 || list.Jobs[0].Username != "john.roe" {
		t.Errorf("unfinished jobs = %+v, want only the running one", list)
	}
}

func TestAPI_JobNotFound(t *testing.T) {
	s := newStack(t)
	baseURL := s.startAPI(t)

	if code := getJSON(t, baseURL+"/v1/jobs/nobody/202608239999", nil); code != http.StatusNotFound {
		t.Errorf("GET missing job = %d, want %d", code, http.StatusNotFound)
	}
}
