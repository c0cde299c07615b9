package framestream

import (
	"testing"

	"github.com/mikeyg42/detectcam/internal/camlog"
)

func TestResolveDevice(t *testing.T) {
	o := NewOpener(640, 480, 15, camlog.Nop())
	o.enumerate = func() []Device {
		return []Device{
			{ID: "video0", Label: "Integrated Camera"},
			{ID: "video2", Label: "USB Camera"},
		}
	}

	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", "video0", false},
		{"default", "video0", false},
		{"video2", "video2", false},
		{"USB Camera", "video2", false},
		{"missing", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := o.resolve(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolve(%q) error = %v", tt.name, err)
			}
			if !tt.wantErr && got.ID != tt.want {
				t.Fatalf("resolve(%q) = %s, want %s", tt.name, got.ID, tt.want)
			}
		})
	}

	o.enumerate = func() []Device { return nil }
	if _, err := o.resolve("default"); err == nil {
		t.Fatalf("resolve with no devices should fail")
	}
}
