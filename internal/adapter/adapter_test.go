package adapter

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"homematic-go-bridge/internal/culfw"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default usb", Config{}, false},
		{"usb with serial", Config{Type: TypeUSB, Serial: "KEQ0000001"}, false},
		{"culfw", Config{Type: TypeCULFW, Device: "/dev/ttyACM0"}, false},
		{"culfw baud", Config{Type: TypeCULFW, Device: "/dev/ttyACM0", Baud: 57600}, false},
		{"culfw no device", Config{Type: TypeCULFW}, true},
		{"culfw bad baud", Config{Type: TypeCULFW, Device: "/dev/ttyACM0", Baud: 12345}, true},
		{"uart", Config{Type: TypeUART, Device: "/dev/ttyAMA0"}, false},
		{"uart no device", Config{Type: TypeUART}, true},
		{"unknown", Config{Type: "lan"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenRejectsBeforeTouchingHardware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := Open(Config{Type: TypeCULFW, Device: "/dev/null", Baud: 1}, nil, logger)
	var baudErr *culfw.UnsupportedBaudError
	if !errors.As(err, &baudErr) {
		t.Fatalf("err = %v, want UnsupportedBaudError", err)
	}
	if baudErr.Baud != 1 {
		t.Errorf("baud = %d, want 1", baudErr.Baud)
	}
}
