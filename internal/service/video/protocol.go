package video

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// LengthSize is the size of the big-endian frame length prefix.
const LengthSize = 4

// Ack is the single byte a downloader returns after every frame.
type Ack byte

const (
	// Nack stops the download loop.
	Nack Ack = 0x00
	// Continue asks for the next frame.
	Continue Ack = 0x01
)

var (
	// ErrFrameTooLarge rejects an uploaded frame above the configured cap.
	ErrFrameTooLarge = errors.New("video frame exceeds size limit")
)

// EncodeFrame prefixes payload with its 4-byte length.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, LengthSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[LengthSize:], payload)
	return buf
}

// WriteFrame writes a length-prefixed frame in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(EncodeFrame(payload)); err != nil {
		return fmt.Errorf("failed to write frame (%d bytes): %w", len(payload), err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. io.EOF is returned unwrapped
// when the stream ends cleanly on a frame boundary.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	sizeBytes := make([]byte, LengthSize)
	if _, err := io.ReadFull(r, sizeBytes); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame size: %w", err)
	}

	size := binary.BigEndian.Uint32(sizeBytes)
	if maxSize > 0 && uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload (expected %d bytes): %w", size, err)
	}
	return payload, nil
}

// ReadAck reads one acknowledgement byte. Both 0x01 and ASCII '1' count as
// Continue; any other value is a Nack.
func ReadAck(r io.Reader) (Ack, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Nack, err
	}
	switch b[0] {
	case byte(Continue), '1':
		return Continue, nil
	default:
		return Nack, nil
	}
}

// WriteAck sends an acknowledgement byte.
func WriteAck(w io.Writer, ack Ack) error {
	_, err := w.Write([]byte{byte(ack)})
	return err
}
