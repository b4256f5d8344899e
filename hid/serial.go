package hid

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"

	"gointake/decoder"
)

// Serial reads framed RFID readers speaking the common
// [0x02][0x09][data...][checksum][0x03] protocol and replays each decoded
// tag as a keystroke sequence, so serial and keyboard readers feed the same
// decoder path.
type Serial struct {
	port *serial.Port
	sink chan<- decoder.KeyEvent
	log  zerolog.Logger
}

// NewSerial opens the serial reader at device. baud defaults to 115200.
func NewSerial(device string, baud int, sink chan<- decoder.KeyEvent, log zerolog.Logger) (*Serial, error) {
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	log.Info().Str("device", device).Int("baud", baud).Msg("serial reader opened")
	return &Serial{port: port, sink: sink, log: log}, nil
}

// Run pumps frames until ctx is cancelled or the port fails.
func (s *Serial) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tag, err := s.readFrame()
		if err != nil {
			return err
		}
		if tag == "" {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.replay(tag)
	}
}

// replay types the tag into the sink, terminator last, mirroring what a
// keyboard-wedge reader would send.
func (s *Serial) replay(tag string) {
	now := time.Now()
	for i := 0; i < len(tag); i++ {
		s.deliver(decoder.KeyEvent{Char: tag[i], At: now})
	}
	s.deliver(decoder.KeyEvent{Terminator: true, At: now})
}

func (s *Serial) deliver(ev decoder.KeyEvent) {
	select {
	case s.sink <- ev:
	default:
		s.log.Warn().Msg("key event queue full, serial frame dropped")
	}
}

// readFrame reads one 9-byte frame. Returns "" for timeouts, partial reads
// and checksum mismatches; the reader retransmits while a tag is present.
func (s *Serial) readFrame() (string, error) {
	buff := make([]byte, 9)

	n, err := s.port.Read(buff)
	if err != nil {
		return "", nil // read timeout, try again
	}
	if n != 9 {
		return "", nil
	}

	if !bytes.Equal(buff[0:2], []byte{0x02, 0x09}) {
		return "", nil
	}
	if buff[8] != 0x03 {
		return "", nil
	}

	data := buff[1:7]
	xor := data[0]
	for i := 1; i < len(data); i++ {
		xor ^= data[i]
	}
	if xor != buff[7] {
		return "", nil
	}

	tagno := (uint64(data[2]) << 24) | (uint64(data[3]) << 16) | (uint64(data[4]) << 8) | uint64(data[5])
	return fmt.Sprintf("%08X", tagno), nil
}

// Close releases the port.
func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}
