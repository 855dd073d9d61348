package socket

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize applies when no limit is configured.
const DefaultMaxFrameSize = 8 << 20

func frameLimit(limit int) int {
	if limit <= 0 {
		return DefaultMaxFrameSize
	}
	return limit
}

// WriteFrame writes payload behind a 4-byte big-endian length.
func WriteFrame(w io.Writer, payload []byte, limit int) error {
	if len(payload) > frameLimit(limit) {
		return fmt.Errorf("frame too large: %d", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func ReadFrame(r *bufio.Reader, limit int) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	sz := binary.BigEndian.Uint32(header)
	if sz == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if uint64(sz) > uint64(frameLimit(limit)) {
		return nil, fmt.Errorf("frame too large: %d", sz)
	}
	payload := make([]byte, int(sz))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
