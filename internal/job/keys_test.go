package job

import "testing"

func TestFileKeyRoundTrip(t *testing.T) {
	t.Parallel()

	key := FileKey("inbox", CommandValidate, "jane.doe", 202401150003, "tile1.tif")
	if key != "inbox/validate/jane.doe/202401150003/tile1.tif" {
		t.Fatalf("FileKey = %q", key)
	}

	params, err := ParseKey("inbox", key)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if params.Command != CommandValidate || params.Username != "jane.doe" ||
		params.JobID != 202401150003 || params.Filename != "tile1.tif" {
		t.Errorf("ParseKey = %+v", params)
	}
}

func TestPrefix_TrimsSlashes(t *testing.T) {
	t.Parallel()

	got := Prefix("inbox/", CommandImport, "bob", 202401150001)
	if got != "inbox/import/bob/202401150001" {
		t.Errorf("Prefix = %q", got)
	}
}

func TestParseKey_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		base string
		key  string
	}{
		{"wrong prefix", "inbox", "outbox/validate/jane/202401150003/f.tif"},
		{"too few segments", "inbox", "inbox/validate/jane/202401150003"},
		{"too many segments", "inbox", "inbox/validate/jane/202401150003/sub/f.tif"},
		{"bad command", "inbox", "inbox/destroy/jane/202401150003/f.tif"},
		{"bad username", "inbox", "inbox/validate/ja ne/202401150003/f.tif"},
		{"bad job id", "inbox", "inbox/validate/jane/20240115/f.tif"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseKey(tt.base, tt.key); err == nil {
				t.Errorf("ParseKey(%q, %q) expected error", tt.base, tt.key)
			}
		})
	}
}
