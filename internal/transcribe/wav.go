package transcribe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// encodeWAV wraps raw 16-bit little-endian PCM in a WAV container for the
// transcription endpoint.
func encodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("transcribe: PCM length is not sample-aligned")
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	var ws memWriteSeeker
	enc := wav.NewEncoder(&ws, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("transcribe: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("transcribe: finalize wav: %w", err)
	}
	return ws.Bytes(), nil
}

// memWriteSeeker is an in-memory io.WriteSeeker for the WAV encoder, which
// seeks back to patch chunk sizes on Close.
type memWriteSeeker struct {
	buf []byte
	pos int
}

var _ io.WriteSeeker = (*memWriteSeeker)(nil)

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	if need := m.pos + len(p); need > len(m.buf) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(m.pos) + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("transcribe: invalid seek whence")
	}
	if abs < 0 {
		return 0, errors.New("transcribe: negative seek position")
	}
	m.pos = int(abs)
	return abs, nil
}

// Bytes returns the encoded container.
func (m *memWriteSeeker) Bytes() []byte { return m.buf }
