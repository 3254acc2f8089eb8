package peer

import (
	"fmt"

	"layeh.com/gopus"
)

// WebRTC audio is 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate / 1000 * 20 // 960
	// opusMaxPacket bounds one encoded packet; Opus never exceeds the
	// uncompressed frame size.
	opusMaxPacket = opusFrameSize * opusChannels * 2
)

// opusDecoder wraps a gopus Opus decoder for a single remote track. Each
// track gets its own decoder to keep decoder state consistent across
// consecutive packets.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("peer: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode decodes one Opus packet into interleaved stereo PCM.
func (d *opusDecoder) decode(pkt []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(pkt, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("peer: opus decode: %w", err)
	}
	return pcm, nil
}

// opusEncoder wraps a gopus Opus encoder for the outbound track.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("peer: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode encodes one 20 ms frame of interleaved stereo PCM into an Opus packet.
func (e *opusEncoder) encode(pcm []int16) ([]byte, error) {
	pkt, err := e.enc.Encode(pcm, opusFrameSize, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("peer: opus encode: %w", err)
	}
	return pkt, nil
}
