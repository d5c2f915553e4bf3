// Package protocol handles the Canoe123 timing engine wire format: UTF-8
// XML documents framed on TCP by a single '|' byte. Frames are self-contained
// documents and never contain the delimiter.
package protocol

import (
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Delimiter separates frames on the TCP stream.
const Delimiter = '|'

// MagicPrefix starts every document the engine produces, both the streamed
// `<Canoe123 ...>` messages and the shared `<Canoe123Data ...>` file.
const MagicPrefix = "<Canoe123"

// DefaultMaxFrameSize bounds a single frame. A frame that grows past this
// without a delimiter indicates a desynchronized stream.
const DefaultMaxFrameSize = 1 << 20

var (
	// ErrFrameTooLong reports a frame exceeding the configured ceiling.
	// The reader discards its buffer and keeps reading.
	ErrFrameTooLong = errors.New("frame exceeds maximum size")

	// ErrMalformedFrame reports a frame that is not valid UTF-8.
	ErrMalformedFrame = errors.New("malformed frame")
)

// FrameReader splits a byte stream into delimited frames. Partial content
// is buffered across reads. Not safe for concurrent use.
type FrameReader struct {
	r       io.Reader
	buf     []byte
	pending []string
	max     int
	chunk   []byte
}

// NewFrameReader creates a reader with the default frame ceiling.
func NewFrameReader(r io.Reader) *FrameReader {
	return NewFrameReaderSize(r, DefaultMaxFrameSize)
}

// NewFrameReaderSize creates a reader with an explicit frame ceiling.
func NewFrameReaderSize(r io.Reader, max int) *FrameReader {
	return &FrameReader{r: r, max: max, chunk: make([]byte, 4096)}
}

// Next returns the next complete frame. Empty frames are dropped. It returns
// ErrFrameTooLong or ErrMalformedFrame for recoverable framing problems;
// the caller may keep calling Next afterwards. io.EOF ends the stream.
func (fr *FrameReader) Next() (string, error) {
	for {
		if len(fr.pending) > 0 {
			frame := fr.pending[0]
			fr.pending = fr.pending[1:]
			if frame == "" {
				continue
			}
			if len(frame) > fr.max {
				return "", ErrFrameTooLong
			}
			if !utf8.ValidString(frame) {
				return "", fmt.Errorf("%w: invalid UTF-8", ErrMalformedFrame)
			}
			return frame, nil
		}

		n, err := fr.r.Read(fr.chunk)
		if n > 0 {
			fr.split(fr.chunk[:n])
			if len(fr.buf) > fr.max {
				fr.buf = fr.buf[:0]
				return "", ErrFrameTooLong
			}
			continue
		}
		if err != nil {
			// A trailing unterminated fragment is discarded: frames
			// are only complete once delimited.
			return "", err
		}
	}
}

func (fr *FrameReader) split(data []byte) {
	start := 0
	for i, b := range data {
		if b != Delimiter {
			continue
		}
		fr.buf = append(fr.buf, data[start:i]...)
		fr.pending = append(fr.pending, string(fr.buf))
		fr.buf = fr.buf[:0]
		start = i + 1
	}
	fr.buf = append(fr.buf, data[start:]...)
}

// HasMagic reports whether a frame begins with the engine's magic token,
// tolerating a UTF-8 BOM and an XML declaration.
func HasMagic(frame string) bool {
	s := frame
	if len(s) >= 3 && s[0] == 0xEF && s[1] == 0xBB && s[2] == 0xBF {
		s = s[3:]
	}
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t' || s[0] == '\r' || s[0] == '\n') {
		s = s[1:]
	}
	if len(s) >= 5 && s[:5] == "<?xml" {
		for i := 0; i < len(s)-1; i++ {
			if s[i] == '?' && s[i+1] == '>' {
				s = s[i+2:]
				break
			}
		}
		for len(s) > 0 && (s[0] == ' ' || s[0] == '\t' || s[0] == '\r' || s[0] == '\n') {
			s = s[1:]
		}
	}
	return len(s) >= len(MagicPrefix) && s[:len(MagicPrefix)] == MagicPrefix
}
