package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedWAV is returned by [DecodeWAV] for WAVE files that are not
// 16-bit integer PCM.
var ErrUnsupportedWAV = errors.New("audio: unsupported WAV encoding, want 16-bit PCM")

// DecodeWAV parses a RIFF/WAVE stream containing 16-bit PCM and returns its
// format and interleaved samples. Chunks other than "fmt " and "data" are
// skipped. The reader is consumed up to the end of the data chunk.
func DecodeWAV(r io.Reader) (Format, []int16, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Format{}, nil, fmt.Errorf("audio: read RIFF header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Format{}, nil, errors.New("audio: not a RIFF/WAVE stream")
	}

	var (
		format  Format
		haveFmt bool
	)
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return Format{}, nil, errors.New("audio: WAV stream has no data chunk")
			}
			return Format{}, nil, fmt.Errorf("audio: read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("audio: fmt chunk too short: %d bytes", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, nil, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			audioFormat := binary.LittleEndian.Uint16(body[0:2])
			channels := binary.LittleEndian.Uint16(body[2:4])
			rate := binary.LittleEndian.Uint32(body[4:8])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if audioFormat != 1 || bits != 16 {
				return Format{}, nil, fmt.Errorf("%w: format=%d bits=%d", ErrUnsupportedWAV, audioFormat, bits)
			}
			if channels == 0 || rate == 0 {
				return Format{}, nil, fmt.Errorf("audio: invalid fmt chunk: %d channels at %d Hz", channels, rate)
			}
			format = Format{SampleRate: int(rate), Channels: int(channels)}
			haveFmt = true

		case "data":
			if !haveFmt {
				return Format{}, nil, errors.New("audio: WAV data chunk precedes fmt chunk")
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, nil, fmt.Errorf("audio: read data chunk: %w", err)
			}
			return format, BytesToInt16(body), nil

		default:
			// Chunk bodies are padded to even length.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return Format{}, nil, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}
	}
}
