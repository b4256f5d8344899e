// Package hid adapts physical RFID reader transports to the key-event
// stream consumed by the decoder. Sources run on their own goroutine and
// push into a bounded channel; a slow consumer costs events, never blocks
// the hardware loop.
package hid

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"gointake/decoder"
)

// Source is a hardware transport delivering key events.
type Source interface {
	// Run pumps events until ctx is cancelled or the device fails.
	Run(ctx context.Context) error
	// Close releases the device.
	Close() error
}

// Config selects and configures a reader transport.
type Config struct {
	Type   string `yaml:"type"`   // "keyboard" or "serial"
	Device string `yaml:"device"` // e.g. "/dev/input/event0", "/dev/ttyUSB0"
	Baud   int    `yaml:"baud"`   // serial only, default 115200
}

// New creates a Source for cfg, pushing events into sink.
func New(cfg Config, sink chan<- decoder.KeyEvent, log zerolog.Logger) (Source, error) {
	switch cfg.Type {
	case "keyboard", "":
		return NewKeyboard(cfg.Device, sink, log)
	case "serial":
		return NewSerial(cfg.Device, cfg.Baud, sink, log)
	default:
		return nil, fmt.Errorf("unknown reader type %q", cfg.Type)
	}
}
