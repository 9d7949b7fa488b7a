package descriptor

import (
	"testing"

	"jobd/internal/job"
)

func validDescriptor() *Descriptor {
	return &Descriptor{
		Username:        "jane.doe",
		JobID:           202601150001,
		Command:         job.CommandValidate,
		JobName:         "jane.doe_202601150001",
		UploadPrefix:    "inbox/validate/jane.doe/202601150001",
		ProtocolVersion: "0.5.0",
		Files:           []string{"tile1.tif"},
		Args:            &ValidateArgs{InputVdatum: "egm2008", BandNum: 1},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Descriptor)
		wantErr bool
	}{
		{
			name:    "valid",
			mutate:  func(*Descriptor) {},
			wantErr: false,
		},
		{
			name:    "bad username",
			mutate:  func(d *Descriptor) { d.Username = "jane doe!" },
			wantErr: true,
		},
		{
			name:    "job id not datestamped",
			mutate:  func(d *Descriptor) { d.JobID = 42 },
			wantErr: true,
		},
		{
			name:    "job name mismatch",
			mutate:  func(d *Descriptor) { d.JobName = "jane.doe_202601150099" },
			wantErr: true,
		},
		{
			name:    "missing upload prefix",
			mutate:  func(d *Descriptor) { d.UploadPrefix = "" },
			wantErr: true,
		},
		{
			name:    "absolute upload prefix",
			mutate:  func(d *Descriptor) { d.UploadPrefix = "/inbox/validate/jane.doe/202601150001" },
			wantErr: true,
		},
		{
			name:    "upload prefix traversal",
			mutate:  func(d *Descriptor) { d.UploadPrefix = "inbox/../../secrets" },
			wantErr: true,
		},
		{
			name:    "file with path separator",
			mutate:  func(d *Descriptor) { d.Files = []string{"subdir/tile1.tif"} },
			wantErr: true,
		},
		{
			name:    "empty filename",
			mutate:  func(d *Descriptor) { d.Files = []string{""} },
			wantErr: true,
		},
		{
			name:    "missing args",
			mutate:  func(d *Descriptor) { d.Args = nil },
			wantErr: true,
		},
		{
			name: "args for a different command",
			mutate: func(d *Descriptor) {
				d.Args = &SubscribeArgs{Email: "jane.doe@example.com"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescriptor()
			tt.mutate(d)
			err := Validate(d, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ProtocolVersion(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		minProto string
		wantErr  bool
	}{
		{name: "equal", version: "0.5.0", minProto: "0.5.0", wantErr: false},
		{name: "newer", version: "0.6.1", minProto: "0.5.0", wantErr: false},
		{name: "newer major", version: "1.0", minProto: "0.5.0", wantErr: false},
		{name: "older", version: "0.4.9", minProto: "0.5.0", wantErr: true},
		{name: "short form equal", version: "0.5", minProto: "0.5.0", wantErr: false},
		{name: "garbage", version: "latest", minProto: "0.5.0", wantErr: true},
		{name: "no minimum configured", version: "garbage", minProto: "", wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescriptor()
			d.ProtocolVersion = tt.version
			err := Validate(d, tt.minProto)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Descriptor)
		wantErr bool
	}{
		{
			name: "validate band zero",
			mutate: func(d *Descriptor) {
				d.Args = &ValidateArgs{InputVdatum: "egm2008", BandNum: 0}
			},
			wantErr: true,
		},
		{
			name: "validate empty vdatum",
			mutate: func(d *Descriptor) {
				d.Args = &ValidateArgs{BandNum: 1}
			},
			wantErr: true,
		},
		{
			name: "subscribe missing email",
			mutate: func(d *Descriptor) {
				d.Command = job.CommandSubscribe
				d.Args = &SubscribeArgs{}
			},
			wantErr: true,
		},
		{
			name: "subscribe bad email",
			mutate: func(d *Descriptor) {
				d.Command = job.CommandSubscribe
				d.Args = &SubscribeArgs{Email: "not-an-address"}
			},
			wantErr: true,
		},
		{
			name: "subscribe ok",
			mutate: func(d *Descriptor) {
				d.Command = job.CommandSubscribe
				d.Args = &SubscribeArgs{Email: "jane.doe@example.com", All: true}
			},
			wantErr: false,
		},
		{
			name: "unsubscribe ok",
			mutate: func(d *Descriptor) {
				d.Command = job.CommandUnsubscribe
				d.Args = &UnsubscribeArgs{Email: "jane.doe@example.com"}
			},
			wantErr: false,
		},
		{
			name: "import traversal prefix",
			mutate: func(d *Descriptor) {
				d.Command = job.CommandImport
				d.Args = &ImportArgs{DestinationPrefix: "../work"}
			},
			wantErr: true,
		},
		{
			name: "update polygon with separator",
			mutate: func(d *Descriptor) {
				d.Command = job.CommandUpdate
				d.Args = &UpdateArgs{PolygonFile: "shapes/region.shp"}
			},
			wantErr: true,
		},
		{
			name: "test fail flag",
			mutate: func(d *Descriptor) {
				d.Command = job.CommandTest
				d.Args = &TestArgs{Fail: true}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescriptor()
			tt.mutate(d)
			err := Validate(d, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
