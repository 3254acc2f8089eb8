package audio

// DefaultCalibrationWindow is the number of chunks accumulated per
// calibration measurement. At 20 ms per chunk this spans five seconds.
const DefaultCalibrationWindow = 250

// Calibrator accumulates per-chunk energies and emits their arithmetic mean
// every windowSize chunks. The orchestrator feeds it every inbound chunk and
// derives the voice-activity threshold from the first emitted measurement
// via [ThresholdFromAmbient].
//
// Calibrator is not safe for concurrent use; each participant owns one and
// feeds it from that participant's audio goroutine.
type Calibrator struct {
	windowSize int
	sum        float64
	count      int
}

// NewCalibrator returns a calibrator that emits a measurement every
// windowSize chunks. A windowSize <= 0 falls back to
// [DefaultCalibrationWindow].
func NewCalibrator(windowSize int) *Calibrator {
	if windowSize <= 0 {
		windowSize = DefaultCalibrationWindow
	}
	return &Calibrator{windowSize: windowSize}
}

// Add records the energy of one chunk. When the window is full it returns
// the mean chunk energy over the window and true, then resets so the next
// window starts empty. Otherwise it returns 0 and false.
func (c *Calibrator) Add(chunk []int16) (mean float64, ok bool) {
	c.sum += Energy(chunk)
	c.count++
	if c.count < c.windowSize {
		return 0, false
	}
	mean = c.sum / float64(c.count)
	c.sum = 0
	c.count = 0
	return mean, true
}
