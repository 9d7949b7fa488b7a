package handler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"jobd/internal/descriptor"
	"jobd/internal/job"
)

// writeScript creates an executable shell script for exec handler tests.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "handler.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecHandler_CollectsOutputs(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `echo "result" > "$JOBD_OUTPUT_DIR/validated_tile1.tif"
echo "summary" > "$JOBD_OUTPUT_DIR/summary.h5"`)

	j := newTestJob(t, job.CommandValidate)
	h := NewExecHandler(script, validateArgv, discardLogger())

	outputs, err := h.Handle(context.Background(), j, &descriptor.ValidateArgs{InputVdatum: "egm2008", BandNum: 1},
		[]string{"tile1.tif"}, j.InputDir)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(outputs) != 2 || outputs[0] != "summary.h5" || outputs[1] != "validated_tile1.tif" {
		t.Errorf("outputs = %v, want sorted [summary.h5 validated_tile1.tif]", outputs)
	}
}

func TestExecHandler_PassesArgsAndEnv(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `{
echo "args: $@"
echo "job: $JOBD_JOB_NAME user: $JOBD_USERNAME id: $JOBD_JOB_ID"
} > "$JOBD_OUTPUT_DIR/echo.txt"`)

	j := newTestJob(t, job.CommandValidate)
	h := NewExecHandler(script, validateArgv, discardLogger())

	args := &descriptor.ValidateArgs{InputVdatum: "navd88", MeasureCoverage: true, BandNum: 2}
	if _, err := h.Handle(context.Background(), j, args, []string{"tile1.tif", "tile2.tif"}, j.InputDir); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(j.OutputDir, "echo.txt"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, want := range []string{
		"--vdatum navd88",
		"--band-num 2",
		"--measure-coverage",
		"tile1.tif tile2.tif",
		"job: jane.doe_202601150001 user: jane.doe id: 202601150001",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("script output missing %q:\n%s", want, text)
		}
	}
}

func TestExecHandler_NonZeroExit(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "exit 3")
	j := newTestJob(t, job.CommandValidate)
	h := NewExecHandler(script, validateArgv, discardLogger())

	if _, err := h.Handle(context.Background(), j, &descriptor.ValidateArgs{InputVdatum: "egm2008", BandNum: 1}, nil, j.InputDir); err == nil {
		t.Fatal("Handle() expected error on exit 3")
	}
}

func TestExecHandler_Canceled(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "sleep 30")
	j := newTestJob(t, job.CommandValidate)
	h := NewExecHandler(script, validateArgv, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	_, err := h.Handle(ctx, j, &descriptor.ValidateArgs{InputVdatum: "egm2008", BandNum: 1}, nil, j.InputDir)
	if err == nil {
		t.Fatal("Handle() expected error after cancel")
	}
}

func TestArgvBuilders(t *testing.T) {
	t.Parallel()

	j := &job.Job{Username: "jane.doe", JobID: 202601150001, OutputDir: "/ws/outputs"}

	t.Run("import", func(t *testing.T) {
		got := importArgv(j, &descriptor.ImportArgs{DestinationPrefix: "work/photon_tiles"}, []string{"a.h5"})
		want := []string{"--output-dir", "/ws/outputs", "--destination-prefix", "work/photon_tiles", "a.h5"}
		if strings.Join(got, " ") != strings.Join(want, " ") {
			t.Errorf("importArgv = %v, want %v", got, want)
		}
	})

	t.Run("update", func(t *testing.T) {
		got := updateArgv(j, &descriptor.UpdateArgs{
			PolygonFile:  "region.shp",
			StartDate:    "2025-01-01",
			EndDate:      "2025-06-30",
			LeaveOldData: true,
		}, []string{"region.shp"})
		joined := strings.Join(got, " ")
		for _, want := range []string{"--polygon-file region.shp", "--start-date 2025-01-01", "--leave-old-data"} {
			if !strings.Contains(joined, want) {
				t.Errorf("updateArgv missing %q: %v", want, got)
			}
		}
		if strings.Contains(joined, "--skip-bad-granule-checks") {
			t.Errorf("updateArgv has unset flag: %v", got)
		}
	})
}
