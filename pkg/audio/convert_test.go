package audio_test

import (
	"testing"

	"github.com/parley-ai/parley/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	got := audio.MonoToStereo([]int16{100, 200, 300})
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	got := audio.StereoToMono([]int16{100, 200, -100, -200})
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	// Two max-positive samples should stay at 32767 (not overflow).
	got := audio.StereoToMono([]int16{32767, 32767})
	if len(got) != 1 {
		t.Fatalf("length mismatch: got %d, want 1", len(got))
	}
	if got[0] != 32767 {
		t.Errorf("got %d, want 32767", got[0])
	}
}

func TestLeftChannel(t *testing.T) {
	got := audio.LeftChannel([]int16{1, -1, 2, -2, 3, -3})
	want := []int16{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono_SameRate(t *testing.T) {
	in := []int16{100, 200, 300}
	out := audio.ResampleMono(in, 48000, 48000)
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
}

func TestResampleMono_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	got := audio.ResampleMono([]int16{1000, 2000}, 16000, 48000)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	got := audio.ResampleMono([]int16{100, 200, 300, 400, 500, 600}, 48000, 16000)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestResampleMono_ZeroRate(t *testing.T) {
	in := []int16{100, 200}
	if out := audio.ResampleMono(in, 0, 48000); len(out) != len(in) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	if out := audio.ResampleMono(in, 48000, 0); len(out) != len(in) {
		t.Errorf("expected unchanged output for zero dstRate, got len %d", len(out))
	}
	if out := audio.ResampleMono(in, -1, 48000); len(out) != len(in) {
		t.Errorf("expected unchanged output for negative srcRate, got len %d", len(out))
	}
}

func TestResampleStereo(t *testing.T) {
	// 2 stereo frames at 16kHz → 6 stereo frames (12 samples) at 48kHz
	got := audio.ResampleStereo([]int16{100, 200, 300, 400}, 16000, 48000)
	if len(got) != 12 {
		t.Fatalf("expected 12 samples, got %d", len(got))
	}
}

func TestConvert_NoOp(t *testing.T) {
	in := []int16{100, 200}
	format := audio.Format{SampleRate: 48000, Channels: 2}
	out := audio.Convert(in, format, format)
	// Same slice — pointer equality check.
	if &out[0] != &in[0] {
		t.Error("expected same slice (zero allocation) for matching format")
	}
}

func TestConvert_MonoToStereo(t *testing.T) {
	got := audio.Convert([]int16{100, 200, 300},
		audio.Format{SampleRate: 48000, Channels: 1},
		audio.Format{SampleRate: 48000, Channels: 2})
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestConvert_SynthesisToTransport(t *testing.T) {
	// 22050 Hz mono → 48000 Hz stereo, the synthesis-to-peer path.
	got := audio.Convert([]int16{1000, 2000},
		audio.Format{SampleRate: 22050, Channels: 1},
		audio.TransportFormat)
	if len(got) == 0 {
		t.Fatal("expected non-empty output")
	}
	if len(got)%2 != 0 {
		t.Errorf("stereo output should have even number of samples, got %d", len(got))
	}
	// Left and right must be identical after mono duplication.
	for i := 0; i+1 < len(got); i += 2 {
		if got[i] != got[i+1] {
			t.Errorf("frame %d: left %d != right %d", i/2, got[i], got[i+1])
		}
	}
}

func TestBytesToInt16_RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	got := audio.BytesToInt16(audio.Int16ToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestBytesToInt16_OddTrailingByte(t *testing.T) {
	// 5 bytes = 2 complete samples + 1 trailing byte to drop.
	got := audio.BytesToInt16([]byte{0x64, 0x00, 0xC8, 0x00, 0xFF})
	want := []int16{100, 200}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples for 2 complete pairs, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}
