package elevenlabs

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/parley-ai/parley/pkg/provider/tts"
)

// ---- constructor / format tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("outputFormat = %q, want %q", p.outputFormat, defaultOutputFmt)
	}
	f := p.Format()
	if f.SampleRate != 22050 || f.Channels != 1 {
		t.Errorf("Format() = %+v, want 22050 Hz mono", f)
	}
}

func TestNew_CustomOutputFormat(t *testing.T) {
	p, err := New("key", WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Format().SampleRate; got != 24000 {
		t.Errorf("sample rate = %d, want 24000", got)
	}
}

func TestNew_RejectsNonPCMFormat(t *testing.T) {
	if _, err := New("key", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for a non-PCM output format")
	}
}

func TestParseOutputFormat(t *testing.T) {
	cases := []struct {
		format  string
		rate    int
		wantErr bool
	}{
		{"pcm_22050", 22050, false},
		{"pcm_16000", 16000, false},
		{"pcm_44100", 44100, false},
		{"mp3_44100", 0, true},
		{"pcm_", 0, true},
		{"pcm_abc", 0, true},
	}
	for _, c := range cases {
		rate, err := parseOutputFormat(c.format)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseOutputFormat(%q): expected error", c.format)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseOutputFormat(%q): %v", c.format, err)
			continue
		}
		if rate != c.rate {
			t.Errorf("parseOutputFormat(%q) = %d, want %d", c.format, rate, c.rate)
		}
	}
}

func TestBuildStreamURL(t *testing.T) {
	got := buildStreamURL("21m00Tcm4TlvDq8ikWAM", "pcm_22050")
	want := "https://api.elevenlabs.io/v1/text-to-speech/21m00Tcm4TlvDq8ikWAM/stream?output_format=pcm_22050"
	if got != want {
		t.Errorf("buildStreamURL = %q, want %q", got, want)
	}
}

// ---- body streaming tests ----

// chunkedReader yields the configured byte slices one Read at a time.
type chunkedReader struct {
	chunks [][]byte
	idx    int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.idx >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.idx])
	r.idx++
	return n, nil
}

func (r *chunkedReader) Close() error { return nil }

// TestStreamBody_CarriesOddByte verifies a sample split across two reads is
// reassembled rather than dropped.
func TestStreamBody_CarriesOddByte(t *testing.T) {
	// Samples 0x0102 and 0x0304 little-endian, split after three bytes.
	body := &chunkedReader{chunks: [][]byte{{0x02, 0x01, 0x04}, {0x03}}}
	ch := make(chan []int16, 8)

	streamBody(context.Background(), body, ch)

	var samples []int16
	for chunk := range ch {
		samples = append(samples, chunk...)
	}
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2: %v", len(samples), samples)
	}
	if samples[0] != 0x0102 || samples[1] != 0x0304 {
		t.Errorf("samples = %v, want [258 772]", samples)
	}
}

// TestStreamBody_ClosesOnEOF verifies the channel closes when the body ends.
func TestStreamBody_ClosesOnEOF(t *testing.T) {
	body := &chunkedReader{chunks: [][]byte{{0x00, 0x00}}}
	ch := make(chan []int16, 8)

	done := make(chan struct{})
	go func() {
		streamBody(context.Background(), body, ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("streamBody did not finish on EOF")
	}
	// Drain the buffered chunk, then the channel must be closed.
	<-ch
	if _, open := <-ch; open {
		t.Error("channel still open after EOF")
	}
}

// ---- voices parsing tests ----

func TestParseVoicesResponse(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{"voice_id": "21m00Tcm4TlvDq8ikWAM", "name": "Rachel", "category": "premade", "labels": {"accent": "american"}},
			{"voice_id": "abc", "name": "Custom", "labels": {}}
		]
	}`)

	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles, want 2", len(profiles))
	}
	if profiles[0].ID != "21m00Tcm4TlvDq8ikWAM" || profiles[0].Name != "Rachel" {
		t.Errorf("unexpected first profile: %+v", profiles[0])
	}
	if profiles[0].Provider != "elevenlabs" {
		t.Errorf("provider = %q, want %q", profiles[0].Provider, "elevenlabs")
	}
	if profiles[0].Metadata["category"] != "premade" {
		t.Errorf("category metadata = %q, want %q", profiles[0].Metadata["category"], "premade")
	}
	if profiles[0].Metadata["accent"] != "american" {
		t.Errorf("accent metadata = %q, want %q", profiles[0].Metadata["accent"], "american")
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	if _, err := parseVoicesResponse([]byte(`{invalid`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

// TestSynthesizeStream_EmptyVoice verifies the voice id is required.
func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.SynthesizeStream(context.Background(), "Hi!", tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice id")
	}
}
