package audio

import (
	"fmt"
	"time"

	"layeh.com/gopus"
)

// Conference mixers emit 20 ms Opus packets; 120 ms is the largest frame
// the codec allows.
const maxOpusFrame = 120 * time.Millisecond

// OpusDecoder turns Opus packets from one source into Linear16 segments.
// Each source needs its own decoder because Opus is stateful across packets.
// An OpusDecoder is not safe for concurrent use.
type OpusDecoder struct {
	dec      *gopus.Decoder
	rate     int
	channels int
}

// NewOpusDecoder creates a decoder producing PCM at rate with the given
// channel count.
func NewOpusDecoder(rate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, rate: rate, channels: channels}, nil
}

// Decode decodes one Opus segment into a Linear16 segment with the same SSRC.
func (d *OpusDecoder) Decode(seg Segment) (Segment, error) {
	frameSize := int(int64(d.rate) * int64(maxOpusFrame) / int64(time.Second))
	pcm, err := d.dec.Decode(seg.Data, frameSize, false)
	if err != nil {
		return Segment{}, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Segment{
		SSRC: seg.SSRC,
		Data: PCM(pcm),
		Format: Format{
			Encoding:   Linear16,
			SampleRate: d.rate,
			Channels:   d.channels,
		},
	}, nil
}
