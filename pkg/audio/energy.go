package audio

// maxSampleSquare is the squared magnitude of a full-scale 16-bit sample.
// Voice-activity thresholds are expressed as a fraction of this value so
// that they are independent of chunk length.
const maxSampleSquare = 32767.0 * 32767.0

// Energy returns the sum of squared sample values of chunk.
func Energy(chunk []int16) float64 {
	var sum float64
	for _, s := range chunk {
		v := float64(s)
		sum += v * v
	}
	return sum
}

// Voiced reports whether chunk carries speech under the given threshold.
// A chunk is voiced when its energy exceeds len(chunk) * full-scale² *
// threshold, i.e. threshold is the mean per-sample energy fraction that
// must be exceeded.
//
// An empty chunk is never voiced. A zero or negative threshold marks every
// non-empty chunk with any signal as voiced; callers calibrate the threshold
// from ambient noise via [Calibrator].
func Voiced(chunk []int16, threshold float64) bool {
	if len(chunk) == 0 {
		return false
	}
	return Energy(chunk) > float64(len(chunk))*maxSampleSquare*threshold
}

// ThresholdFromAmbient derives a voice-activity threshold from a measured
// mean ambient chunk energy: the energy is normalized by the full-scale
// sample square and scaled by factor. Feed the result to [Voiced].
func ThresholdFromAmbient(meanChunkEnergy, factor float64) float64 {
	return meanChunkEnergy / maxSampleSquare * factor
}
