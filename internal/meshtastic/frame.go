package meshtastic

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic1 and Magic2 are the two fixed framing bytes Meshtastic's serial/TCP
// stream API prefixes every packet with, followed by a big-endian uint16
// length. Adapted (not copied) from the stream-framing shape shown in the
// pack's Meshtastic simulator reference device.
const (
	Magic1 byte = 0x94
	Magic2 byte = 0xc3

	maxFrameLen = 512
)

// StreamFramer reads/writes length-prefixed protobuf frames over a raw byte
// stream (serial or TCP), matching Meshtastic's client API framing.
type StreamFramer struct {
	r *bufio.Reader
	w io.Writer
}

// NewStreamFramer wraps r/w with the Magic1/Magic2 + length-prefix framing.
func NewStreamFramer(r io.Reader, w io.Writer) *StreamFramer {
	return &StreamFramer{r: bufio.NewReader(r), w: w}
}

// ReadPacket blocks until one framed packet is read (resyncing past stray
// bytes that are not a valid Magic1/Magic2 pair) and returns its payload.
func (f *StreamFramer) ReadPacket() ([]byte, error) {
	for {
		b1, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b1 != Magic1 {
			continue
		}

		b2, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b2 != Magic2 {
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint16(lenBuf[:])
		if length == 0 || int(length) > maxFrameLen {
			return nil, fmt.Errorf("meshtastic: invalid frame length %d", length)
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(f.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}

// WritePacket frames and writes one payload.
func (f *StreamFramer) WritePacket(payload []byte) error {
	if len(payload) > maxFrameLen {
		return fmt.Errorf("meshtastic: frame payload too large (%d bytes)", len(payload))
	}

	frame := make([]byte, 4+len(payload))
	frame[0] = Magic1
	frame[1] = Magic2
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)

	_, err := f.w.Write(frame)
	return err
}
