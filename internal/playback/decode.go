package playback

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"

	"github.com/MrWong99/voxline/pkg/audio"
)

// ErrUnsupportedFormat is returned when no decoder exists for the requested
// container format.
var ErrUnsupportedFormat = errors.New("playback: unsupported audio format")

// SupportsFormat reports whether a decoder exists for the named format.
// Recognised values are "mp3", "wav" and "ogg"; "mp4" has no decoder and
// reports false.
func SupportsFormat(format string) bool {
	switch normalizeFormat(format) {
	case "mp3", "wav", "ogg":
		return true
	default:
		return false
	}
}

// normalizeFormat reduces MIME types and extensions to a short format name.
func normalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	f = strings.TrimPrefix(f, "audio/")
	f = strings.TrimPrefix(f, ".")
	// Strip MIME parameters such as "ogg; codecs=vorbis".
	if i := strings.IndexByte(f, ';'); i >= 0 {
		f = strings.TrimSpace(f[:i])
	}
	switch f {
	case "mpeg", "mp3":
		return "mp3"
	case "wav", "wave", "x-wav":
		return "wav"
	case "ogg", "vorbis":
		return "ogg"
	default:
		return f
	}
}

// decodeBase64 decodes a base64 payload (with or without a data: URL prefix)
// into raw container bytes.
func decodeBase64(payload string) ([]byte, error) {
	if i := strings.IndexByte(payload, ','); i >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("playback: decode base64 audio: %w", err)
	}
	return data, nil
}

// decodeClip decompresses one audio container into a PCM clip ready for the
// renderer.
func decodeClip(data []byte, format string) (audio.Clip, error) {
	switch normalizeFormat(format) {
	case "mp3":
		return decodeMP3(data)
	case "wav":
		return decodeWAV(data)
	case "ogg":
		return decodeOgg(data)
	default:
		return audio.Clip{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// decodeMP3 produces 16-bit stereo PCM at the stream's sample rate.
func decodeMP3(data []byte) (audio.Clip, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("playback: decode mp3: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("playback: read mp3 stream: %w", err)
	}
	// go-mp3 always emits 2-channel 16-bit little-endian output.
	return audio.Clip{PCM: pcm, SampleRate: dec.SampleRate(), Channels: 2}, nil
}

// decodeWAV produces 16-bit PCM in the container's channel layout.
func decodeWAV(data []byte) (audio.Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return audio.Clip{}, fmt.Errorf("playback: decode wav: %w", err)
	}
	if buf.Format == nil {
		return audio.Clip{}, errors.New("playback: wav stream has no format chunk")
	}

	shift := 0
	if dec.BitDepth > 16 {
		shift = int(dec.BitDepth) - 16
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		if shift > 0 {
			s >>= shift
		}
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return audio.Clip{
		PCM:        pcm,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	}, nil
}

// decodeOgg produces 16-bit PCM from a Vorbis stream.
func decodeOgg(data []byte) (audio.Clip, error) {
	samples, format, err := oggvorbis.ReadAll(bytes.NewReader(data))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("playback: decode ogg: %w", err)
	}

	pcm := make([]byte, len(samples)*2)
	for i, f := range samples {
		s := int16(clampSample(f) * 32767)
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return audio.Clip{
		PCM:        pcm,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
	}, nil
}

func clampSample(f float32) float32 {
	if f > 1 {
		return 1
	}
	if f < -1 {
		return -1
	}
	return f
}
