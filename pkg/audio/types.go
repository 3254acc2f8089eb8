// Package audio provides the PCM primitives shared by the voice pipeline:
// sample formats, format conversion, energy computation, voice-activity
// detection, ambient-noise calibration, and WAV decoding.
//
// All functions operate on interleaved 16-bit signed samples. Byte-oriented
// helpers ([BytesToInt16], [Int16ToBytes]) convert to and from the
// little-endian wire form used by codecs and synthesis providers.
//
// This package lives under pkg/ because provider implementations and
// transport adapters are expected to share these types.
package audio

import "fmt"

// Format describes interleaved 16-bit PCM audio.
type Format struct {
	// SampleRate is the number of frames per second (e.g. 22050, 48000).
	SampleRate int

	// Channels is the number of interleaved channels (1 = mono, 2 = stereo).
	Channels int
}

// String returns a compact human-readable description, e.g. "48000Hz/2ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// TransportFormat is the fixed format of outbound voice: 48 kHz stereo,
// matching the Opus RTP clock used on the peer link.
var TransportFormat = Format{SampleRate: 48000, Channels: 2}
