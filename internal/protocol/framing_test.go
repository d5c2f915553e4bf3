package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, fr *FrameReader) []string {
	t.Helper()
	var frames []string
	for {
		frame, err := fr.Next()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, frame)
	}
}

func TestFrameReaderSplitsDelimitedFrames(t *testing.T) {
	input := `<Canoe123 System="Main"><TimeOfDay>10:30:00</TimeOfDay></Canoe123>|<Canoe123 System="Main"><TimeOfDay>10:30:01</TimeOfDay></Canoe123>|`
	fr := NewFrameReader(strings.NewReader(input))

	frames := readAll(t, fr)
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], "10:30:00")
	assert.Contains(t, frames[1], "10:30:01")
}

func TestFrameReaderYieldsEveryFrame(t *testing.T) {
	parts := []string{"<a/>", "<b/>", "<c/>", "<d/>", "<e/>"}
	input := strings.Join(parts, "|") + "|"
	fr := NewFrameReader(strings.NewReader(input))

	frames := readAll(t, fr)
	assert.Equal(t, parts, frames)
}

func TestFrameReaderBuffersAcrossReads(t *testing.T) {
	// One-byte reads force the reader to reassemble frames from fragments.
	input := "<Canoe123>x</Canoe123>|<Canoe123>y</Canoe123>|"
	fr := NewFrameReader(iotest(input))

	frames := readAll(t, fr)
	require.Len(t, frames, 2)
	assert.Equal(t, "<Canoe123>x</Canoe123>", frames[0])
	assert.Equal(t, "<Canoe123>y</Canoe123>", frames[1])
}

// iotest returns a reader delivering one byte per Read call.
func iotest(s string) io.Reader {
	return &oneByteReader{data: []byte(s)}
}

type oneByteReader struct {
	data []byte
	pos  int
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

func TestFrameReaderDropsEmptyFrames(t *testing.T) {
	fr := NewFrameReader(strings.NewReader("||<a/>|||<b/>||"))
	frames := readAll(t, fr)
	assert.Equal(t, []string{"<a/>", "<b/>"}, frames)
}

func TestFrameReaderDiscardsUnterminatedTail(t *testing.T) {
	fr := NewFrameReader(strings.NewReader("<a/>|<partial"))
	frames := readAll(t, fr)
	assert.Equal(t, []string{"<a/>"}, frames)
}

func TestFrameReaderRejectsOversizedFrame(t *testing.T) {
	big := strings.Repeat("x", 64)
	fr := NewFrameReaderSize(strings.NewReader(big+"<next/>|"), 16)

	_, err := fr.Next()
	require.ErrorIs(t, err, ErrFrameTooLong)
}

func TestFrameReaderRecoversAfterOversizedFrame(t *testing.T) {
	big := strings.Repeat("x", 64) + "|<ok/>|"
	fr := NewFrameReaderSize(bytes.NewReader([]byte(big)), 16)

	var sawErr, sawFrame bool
	for {
		frame, err := fr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			sawErr = true
			continue
		}
		if frame == "<ok/>" {
			sawFrame = true
		}
	}
	assert.True(t, sawErr, "oversized frame should surface an error")
	assert.True(t, sawFrame, "reader should keep working after the error")
}

func TestFrameReaderRejectsInvalidUTF8(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader([]byte{'<', 0xff, 0xfe, '>', '|', '<', 'a', '/', '>', '|'}))

	_, err := fr.Next()
	require.ErrorIs(t, err, ErrMalformedFrame)

	frame, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "<a/>", frame)
}

func TestHasMagic(t *testing.T) {
	assert.True(t, HasMagic(`<Canoe123 System="Main"/>`))
	assert.True(t, HasMagic(`<Canoe123Data MainTitle="Cup"/>`))
	assert.True(t, HasMagic("\xef\xbb\xbf<Canoe123/>"))
	assert.True(t, HasMagic("<?xml version=\"1.0\"?>\n<Canoe123Data/>"))
	assert.False(t, HasMagic("<Other/>"))
	assert.False(t, HasMagic(""))
}
