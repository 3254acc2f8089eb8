package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/parley-ai/parley/pkg/audio"
)

// buildWAV assembles a minimal RIFF/WAVE stream around the given samples.
func buildWAV(t *testing.T, sampleRate int, channels int, samples []int16, extraChunk bool) []byte {
	t.Helper()

	var data bytes.Buffer
	for _, s := range samples {
		binary.Write(&data, binary.LittleEndian, s)
	}

	var body bytes.Buffer
	body.WriteString("WAVE")

	body.WriteString("fmt ")
	binary.Write(&body, binary.LittleEndian, uint32(16))
	binary.Write(&body, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&body, binary.LittleEndian, uint16(channels))
	binary.Write(&body, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&body, binary.LittleEndian, uint32(sampleRate*channels*2)) // byte rate
	binary.Write(&body, binary.LittleEndian, uint16(channels*2))            // block align
	binary.Write(&body, binary.LittleEndian, uint16(16))                    // bits per sample

	if extraChunk {
		body.WriteString("LIST")
		binary.Write(&body, binary.LittleEndian, uint32(4))
		body.WriteString("INFO")
	}

	body.WriteString("data")
	binary.Write(&body, binary.LittleEndian, uint32(data.Len()))
	body.Write(data.Bytes())

	var out bytes.Buffer
	out.WriteString("RIFF")
	binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func TestDecodeWAV(t *testing.T) {
	samples := []int16{1, -1, 32767, -32768}
	wav := buildWAV(t, 22050, 1, samples, false)

	format, got, err := audio.DecodeWAV(bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format.SampleRate != 22050 || format.Channels != 1 {
		t.Errorf("format: got %v, want 22050Hz/1ch", format)
	}
	if len(got) != len(samples) {
		t.Fatalf("sample count: got %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	wav := buildWAV(t, 48000, 2, []int16{5, 6, 7, 8}, true)

	format, got, err := audio.DecodeWAV(bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format.SampleRate != 48000 || format.Channels != 2 {
		t.Errorf("format: got %v, want 48000Hz/2ch", format)
	}
	if len(got) != 4 {
		t.Errorf("sample count: got %d, want 4", len(got))
	}
}

func TestDecodeWAV_RejectsNonRIFF(t *testing.T) {
	_, _, err := audio.DecodeWAV(bytes.NewReader([]byte("OggS\x00\x00\x00\x00\x00\x00\x00\x00")))
	if err == nil {
		t.Fatal("expected error for non-RIFF input")
	}
}

func TestDecodeWAV_RejectsNonPCM(t *testing.T) {
	wav := buildWAV(t, 22050, 1, []int16{1}, false)
	// Patch the audio format field (offset 20) to 3 = IEEE float.
	wav[20] = 3

	_, _, err := audio.DecodeWAV(bytes.NewReader(wav))
	if !errors.Is(err, audio.ErrUnsupportedWAV) {
		t.Fatalf("expected ErrUnsupportedWAV, got %v", err)
	}
}

func TestDecodeWAV_MissingData(t *testing.T) {
	wav := buildWAV(t, 22050, 1, []int16{1}, false)
	// Truncate before the data chunk header.
	_, _, err := audio.DecodeWAV(bytes.NewReader(wav[:36]))
	if err == nil {
		t.Fatal("expected error for stream without data chunk")
	}
}
