package hid

import (
	"context"
	"fmt"
	"time"

	"github.com/kenshaw/evdev"
	"github.com/rs/zerolog"

	"gointake/decoder"
)

// Keyboard reads a USB keyboard-wedge RFID reader through evdev and emits
// one key event per key-down. The decoder owns all interpretation; this
// adapter only classifies terminator keys and forwards printable ones.
type Keyboard struct {
	device *evdev.Evdev
	sink   chan<- decoder.KeyEvent
	log    zerolog.Logger
}

// NewKeyboard opens the evdev input device at path.
func NewKeyboard(path string, sink chan<- decoder.KeyEvent, log zerolog.Logger) (*Keyboard, error) {
	dev, err := evdev.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open evdev %s: %w", path, err)
	}

	log.Info().
		Str("device", path).
		Str("name", dev.Name()).
		Uint16("vendor", uint16(dev.ID().Vendor)).
		Uint16("product", uint16(dev.ID().Product)).
		Msg("keyboard reader opened")

	return &Keyboard{device: dev, sink: sink, log: log}, nil
}

// Run pumps key-down events until ctx is cancelled or the device closes.
func (k *Keyboard) Run(ctx context.Context) error {
	ch := k.device.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-ch:
			if event == nil {
				return fmt.Errorf("keyboard device closed")
			}

			switch event.Type.(type) {
			case evdev.KeyType:
				if event.Value != 1 {
					continue
				}
				k.deliver(keyToEvent(event.Type.(evdev.KeyType)))
			}
		}
	}
}

// deliver pushes without blocking. The channel is the bounded queue between
// hardware timing and processing; overflow drops the keystroke with a log.
func (k *Keyboard) deliver(ev decoder.KeyEvent, ok bool) {
	if !ok {
		return
	}
	select {
	case k.sink <- ev:
	default:
		k.log.Warn().Msg("key event queue full, keystroke dropped")
	}
}

// Close releases the input device.
func (k *Keyboard) Close() error {
	if k.device == nil {
		return nil
	}
	return k.device.Close()
}

// keyToEvent maps an evdev key to a decoder event. Keys that render as a
// single character pass through; enter, tab and escape terminate; anything
// else is ignored (modifier keys, function keys).
func keyToEvent(key evdev.KeyType) (decoder.KeyEvent, bool) {
	now := time.Now()
	switch key {
	case evdev.KeyEnter, evdev.KeyTab, evdev.KeyEscape:
		return decoder.KeyEvent{Terminator: true, At: now}, true
	}
	s := key.String()
	if len(s) != 1 {
		return decoder.KeyEvent{}, false
	}
	return decoder.KeyEvent{Char: s[0], At: now}, true
}
