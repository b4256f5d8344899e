// Package decoder turns the raw keystroke stream of a keyboard-wedge RFID
// reader into validated tag IDs. The reader types the tag like a very fast
// human, usually followed by Enter, so the decoder is a small state machine
// over timestamped key events: accumulate hex characters, flush on a
// terminator or an inter-character gap, debounce double-fires.
package decoder

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// KeyEvent is a single key-down delivered by an input source.
type KeyEvent struct {
	Char       byte // printable character, ignored when Terminator is set
	Terminator bool // enter/tab/escape style keys
	At         time.Time
}

// Config holds the decoder tuning knobs.
type Config struct {
	MinLength       int           // shortest acceptable tag (8)
	MaxLength       int           // longest acceptable tag (12)
	BufferCap       int           // keystrokes retained without a terminator (15)
	MinScanInterval time.Duration // debounce between emitted tags (1s)
	InputTimeout    time.Duration // inter-character gap treated as a terminator (500ms)
}

// DefaultConfig returns the tuning used by the stock readers.
func DefaultConfig() Config {
	return Config{
		MinLength:       8,
		MaxLength:       12,
		BufferCap:       15,
		MinScanInterval: time.Second,
		InputTimeout:    500 * time.Millisecond,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.MinLength <= 0 {
		c.MinLength = d.MinLength
	}
	if c.MaxLength <= 0 {
		c.MaxLength = d.MaxLength
	}
	if c.BufferCap <= 0 {
		c.BufferCap = d.BufferCap
	}
	if c.MinScanInterval <= 0 {
		c.MinScanInterval = d.MinScanInterval
	}
	if c.InputTimeout <= 0 {
		c.InputTimeout = d.InputTimeout
	}
}

// Decoder accumulates key events and emits tag IDs through the callback
// given to New. Safe for concurrent use; HandleKey never blocks on I/O.
type Decoder struct {
	cfg  Config
	emit func(string)
	log  zerolog.Logger

	mu         sync.Mutex
	buf        []byte
	lastKeyAt  time.Time
	lastEmitAt time.Time
}

// New creates a Decoder. emit is called with the uppercase tag ID, on the
// same goroutine that delivered the triggering event.
func New(cfg Config, emit func(string), log zerolog.Logger) *Decoder {
	cfg.fillDefaults()
	return &Decoder{
		cfg:  cfg,
		emit: emit,
		log:  log,
		buf:  make([]byte, 0, cfg.BufferCap),
	}
}

// HandleKey feeds one key event into the state machine. Malformed input is
// never an error: it is discarded, at most with a trace log. At most one
// tag is emitted per terminator or timeout.
func (d *Decoder) HandleKey(ev KeyEvent) {
	var emitted []string

	d.mu.Lock()

	// A long silence since the previous keystroke acts as an implicit
	// terminator for whatever was buffered before this event.
	if len(d.buf) > 0 && !d.lastKeyAt.IsZero() && ev.At.Sub(d.lastKeyAt) > d.cfg.InputTimeout {
		if len(d.buf) >= d.cfg.MinLength {
			if tag := d.flushLocked(ev.At); tag != "" {
				emitted = append(emitted, tag)
			}
		} else {
			d.log.Trace().Str("buffer", string(d.buf)).Msg("stale input discarded")
			d.buf = d.buf[:0]
		}
	}
	d.lastKeyAt = ev.At

	switch c := upperHex(ev.Char); {
	case ev.Terminator:
		if tag := d.flushLocked(ev.At); tag != "" {
			emitted = append(emitted, tag)
		}

	case c == 0:
		// Not part of the tag charset: flush a plausible buffer, drop noise.
		if len(d.buf) >= d.cfg.MinLength {
			if tag := d.flushLocked(ev.At); tag != "" {
				emitted = append(emitted, tag)
			}
		} else if len(d.buf) > 0 {
			d.log.Trace().Str("buffer", string(d.buf)).Msg("noise discarded")
			d.buf = d.buf[:0]
		}

	default:
		d.buf = append(d.buf, c)
		if len(d.buf) > d.cfg.BufferCap {
			// Reader without a terminator: keep only the most recent
			// keystrokes.
			d.buf = d.buf[len(d.buf)-d.cfg.BufferCap:]
		}
	}

	d.mu.Unlock()

	for _, tag := range emitted {
		d.emit(tag)
	}
}

// flushLocked validates and clears the buffer, returning the tag to emit or
// "" when the buffer was invalid or the emission was debounced.
func (d *Decoder) flushLocked(now time.Time) string {
	if len(d.buf) == 0 {
		return ""
	}
	tag := string(d.buf)
	d.buf = d.buf[:0]

	if len(tag) < d.cfg.MinLength || len(tag) > d.cfg.MaxLength {
		d.log.Trace().Str("tag", tag).Msg("bad tag length")
		return ""
	}
	for i := 0; i < len(tag); i++ {
		if upperHex(tag[i]) == 0 {
			d.log.Trace().Str("tag", tag).Msg("bad tag charset")
			return ""
		}
	}
	if !d.lastEmitAt.IsZero() && now.Sub(d.lastEmitAt) < d.cfg.MinScanInterval {
		d.log.Trace().Str("tag", tag).Msg("scan too fast, ignored")
		return ""
	}
	d.lastEmitAt = now
	return tag
}

// upperHex returns the uppercase form of a hex digit, or 0 for anything
// outside the tag charset.
func upperHex(c byte) byte {
	switch {
	case c >= '0' && c <= '9', c >= 'A' && c <= 'F':
		return c
	case c >= 'a' && c <= 'f':
		return c - 'a' + 'A'
	default:
		return 0
	}
}
