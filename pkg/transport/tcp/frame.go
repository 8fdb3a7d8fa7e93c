package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"tarun-kavipurapu/p2p-share/pkg/protocol"
)

// Header is the fixed-size frame header
// [Kind (1 byte)] + [Length (4 bytes)]
const HeaderSize = 5

// MaxFrameSize bounds a single payload. A block frame is roughly BlockSize plus
// gob overhead; search results for a large folder are the biggest legitimate frames.
const MaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// writeFrame writes header and payload with a single Write.
func writeFrame(w io.Writer, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(msg.Kind())
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	_, err = w.Write(buf)
	return err
}

// readFrameHeader reads the frame header from the reader
// returns kind, length, and error
func readFrameHeader(r io.Reader) (protocol.Kind, uint32, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, err
	}

	kind := protocol.Kind(buf[0])
	length := binary.BigEndian.Uint32(buf[1:])

	return kind, length, nil
}

// readFrame validates the kind and length before touching the payload.
func readFrame(r io.Reader) (protocol.Message, error) {
	kind, length, err := readFrameHeader(r)
	if err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", protocol.ErrUnknownKind, uint8(kind))
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read %s payload: %w", kind, err)
	}
	return protocol.Decode(kind, payload)
}
