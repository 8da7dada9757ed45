package exec

import (
	"errors"
	"reflect"
	"testing"
)

func TestInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		input   Input
		wantErr error
	}{
		{"valid", NewInput([]string{"echo", "hi"}, WithTimeoutMs(5000)), nil},
		{"max timeout", NewInput([]string{"true"}, WithTimeoutMs(MaxTimeoutMs)), nil},
		{"empty cmd", NewInput(nil), ErrEmptyCommand},
		{"zero timeout", NewInput([]string{"true"}, WithTimeoutMs(0)), ErrTimeoutOutOfRange},
		{"negative timeout", NewInput([]string{"true"}, WithTimeoutMs(-1)), ErrTimeoutOutOfRange},
		{"timeout above cap", NewInput([]string{"true"}, WithTimeoutMs(MaxTimeoutMs+1)), ErrTimeoutOutOfRange},
		{"env without equals", NewInput([]string{"true"}, WithTimeoutMs(1000), WithEnv("BADVALUE")), ErrInvalidEnv},
		{"env without name", NewInput([]string{"true"}, WithEnv("=value")), ErrInvalidEnv},
		{"env empty value", NewInput([]string{"true"}, WithEnv("EMPTY=")), nil},
		{"env value with equals", NewInput([]string{"true"}, WithEnv("A=b=c")), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Validate() error = %v, want wrapped %v", err, ErrInvalidInput)
			}
		})
	}
}

func TestNewInput_Defaults(t *testing.T) {
	in := NewInput([]string{"ls"})
	if in.TimeoutMs != DefaultTimeoutMs {
		t.Errorf("TimeoutMs = %d, want %d", in.TimeoutMs, DefaultTimeoutMs)
	}
	if in.Cwd != nil || in.User != nil || in.Env != nil {
		t.Errorf("optional fields should be nil, got %+v", in)
	}
	if in.WorkingDir() != "" || in.Username() != "" {
		t.Errorf("WorkingDir()/Username() should be empty")
	}
}

func TestNewInput_CopiesCmd(t *testing.T) {
	cmd := []string{"echo", "a"}
	in := NewInput(cmd)
	cmd[1] = "b"
	if in.Cmd[1] != "a" {
		t.Errorf("Cmd[1] = %q, want %q", in.Cmd[1], "a")
	}
}

func TestInput_EnvMap(t *testing.T) {
	in := NewInput([]string{"env"}, WithEnv("A=1", "B=x=y", "A=2"), WithCwd("/tmp"), WithUser("nobody"))
	want := map[string]string{"A": "2", "B": "x=y"}
	if got := in.EnvMap(); !reflect.DeepEqual(got, want) {
		t.Errorf("EnvMap() = %v, want %v", got, want)
	}
	if in.WorkingDir() != "/tmp" {
		t.Errorf("WorkingDir() = %q, want /tmp", in.WorkingDir())
	}
	if in.Username() != "nobody" {
		t.Errorf("Username() = %q, want nobody", in.Username())
	}
}
