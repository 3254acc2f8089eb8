package audio

// Convert transforms interleaved samples from src to dst format. If the
// formats already match, samples is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert, so stereo input
// destined for mono is never resampled twice per channel pair.
func Convert(samples []int16, src, dst Format) []int16 {
	if src == dst {
		return samples
	}

	out := samples
	channels := src.Channels

	if src.SampleRate != dst.SampleRate {
		if channels == 1 {
			out = ResampleMono(out, src.SampleRate, dst.SampleRate)
		} else {
			out = ResampleStereo(out, src.SampleRate, dst.SampleRate)
		}
	}

	switch {
	case channels == 1 && dst.Channels == 2:
		out = MonoToStereo(out)
	case channels == 2 && dst.Channels == 1:
		out = StereoToMono(out)
	}
	return out
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(samples []int16) []int16 {
	out := make([]int16, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages each L+R pair into one mono sample. Uses int32
// arithmetic to prevent overflow and clamps to the int16 range.
func StereoToMono(samples []int16) []int16 {
	frames := len(samples) / 2
	out := make([]int16, frames)
	for i := range frames {
		avg := (int32(samples[i*2]) + int32(samples[i*2+1])) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i] = int16(avg)
	}
	return out
}

// LeftChannel extracts the left channel of interleaved stereo samples.
func LeftChannel(samples []int16) []int16 {
	out := make([]int16, len(samples)/2)
	for i := range out {
		out[i] = samples[i*2]
	}
	return out
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// ResampleStereo resamples interleaved stereo samples from srcRate to
// dstRate using linear interpolation per channel. If srcRate == dstRate,
// the input is returned unchanged.
func ResampleStereo(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	srcFrames := len(samples) / 2
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0 := samples[srcIdx*2]
		r0 := samples[srcIdx*2+1]
		l1, r1 := l0, r0
		if srcIdx+1 < srcFrames {
			l1 = samples[(srcIdx+1)*2]
			r1 = samples[(srcIdx+1)*2+1]
		}

		out[i*2] = int16(float64(l0)*(1-frac) + float64(l1)*frac)
		out[i*2+1] = int16(float64(r0)*(1-frac) + float64(r1)*frac)
	}
	return out
}

// BytesToInt16 reinterprets little-endian PCM bytes as samples. A trailing
// odd byte is dropped.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}

// Int16ToBytes serializes samples as little-endian PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
