package audio_test

import (
	"testing"

	"github.com/parley-ai/parley/pkg/audio"
)

func TestEnergy(t *testing.T) {
	got := audio.Energy([]int16{3, -4})
	if got != 25 {
		t.Errorf("got %v, want 25", got)
	}
	if e := audio.Energy(nil); e != 0 {
		t.Errorf("empty chunk: got %v, want 0", e)
	}
}

func TestVoiced_SilenceNeverTriggers(t *testing.T) {
	silence := make([]int16, 960)
	if audio.Voiced(silence, 0.001) {
		t.Error("all-zero chunk reported as voiced")
	}
	if audio.Voiced(nil, 0) {
		t.Error("empty chunk reported as voiced")
	}
}

func TestVoiced_LoudChunkTriggers(t *testing.T) {
	loud := make([]int16, 960)
	for i := range loud {
		loud[i] = 16000
	}
	if !audio.Voiced(loud, 0.001) {
		t.Error("loud chunk not reported as voiced")
	}
}

func TestVoiced_ThresholdScalesWithLength(t *testing.T) {
	// Same per-sample amplitude must give the same verdict regardless of
	// chunk length.
	quiet := func(n int) []int16 {
		c := make([]int16, n)
		for i := range c {
			c[i] = 100
		}
		return c
	}
	const threshold = 0.001
	short := audio.Voiced(quiet(480), threshold)
	long := audio.Voiced(quiet(1920), threshold)
	if short != long {
		t.Errorf("verdict depends on chunk length: short=%v long=%v", short, long)
	}
}

func TestThresholdFromAmbient(t *testing.T) {
	// Ambient mean chunk energy of one full-scale sample squared with
	// factor 0.4 should produce exactly 0.4.
	got := audio.ThresholdFromAmbient(32767.0*32767.0, 0.4)
	if got != 0.4 {
		t.Errorf("got %v, want 0.4", got)
	}
	if z := audio.ThresholdFromAmbient(0, 0.4); z != 0 {
		t.Errorf("zero ambient: got %v, want 0", z)
	}
}

func TestCalibrator_EmitsMeanAfterWindow(t *testing.T) {
	cal := audio.NewCalibrator(250)
	// Chunk of a single sample with value 1000 → energy 1e6 per chunk.
	chunk := []int16{1000}
	for i := range 249 {
		if _, ok := cal.Add(chunk); ok {
			t.Fatalf("measurement emitted early at chunk %d", i+1)
		}
	}
	mean, ok := cal.Add(chunk)
	if !ok {
		t.Fatal("no measurement after window filled")
	}
	if mean != 1e6 {
		t.Errorf("mean: got %v, want 1e6", mean)
	}

	// The window resets: the next add starts a fresh accumulation.
	if _, ok := cal.Add(chunk); ok {
		t.Error("measurement emitted immediately after reset")
	}
}

func TestCalibrator_DefaultWindow(t *testing.T) {
	cal := audio.NewCalibrator(0)
	chunk := []int16{10}
	var emitted int
	for range audio.DefaultCalibrationWindow {
		if _, ok := cal.Add(chunk); ok {
			emitted++
		}
	}
	if emitted != 1 {
		t.Errorf("emitted %d measurements over one default window, want 1", emitted)
	}
}
