package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/ValentinKolb/tKV/rpc/transport"
)

const (
	headerSize = 13

	// MaxFrameSize bounds the payload of a single frame
	MaxFrameSize = 64 << 20
)

// writeFrame writes a frame to the connection with the format:
// - 8 bytes: requestID (uint64, big endian)
// - 1 byte: frame kind
// - 4 bytes: payload length (uint32, big endian)
// - N bytes: payload
func writeFrame(conn net.Conn, f transport.Frame) error {
	if len(f.Payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit of %d bytes", len(f.Payload), MaxFrameSize)
	}
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[:8], f.RequestID)
	header[8] = byte(f.Kind)
	binary.BigEndian.PutUint32(header[9:13], uint32(len(f.Payload)))

	b := net.Buffers{header, f.Payload}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads a frame from r. header is reused between calls, the payload
// is always freshly allocated because frames outlive the read loop.
func readFrame(r io.Reader, header []byte) (transport.Frame, error) {
	if len(header) < headerSize {
		header = make([]byte, headerSize)
	}
	if _, err := io.ReadFull(r, header[:headerSize]); err != nil {
		return transport.Frame{}, err
	}

	f := transport.Frame{
		RequestID: binary.BigEndian.Uint64(header[:8]),
		Kind:      transport.FrameKind(header[8]),
	}
	length := binary.BigEndian.Uint32(header[9:13])
	if length > MaxFrameSize {
		return transport.Frame{}, fmt.Errorf("frame of %d bytes exceeds limit of %d bytes", length, MaxFrameSize)
	}

	f.Payload = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return transport.Frame{}, err
		}
	}
	return f, nil
}
