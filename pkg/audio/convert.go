package audio

import (
	"encoding/binary"
	"math"
)

// Samples decodes little-endian 16-bit PCM into samples. A trailing odd byte
// is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCM encodes samples as little-endian 16-bit PCM.
func PCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Downmix averages interleaved channels into mono. Mono input is returned
// unchanged.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	in := Samples(pcm)
	frames := len(in) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(in[i*channels+ch])
		}
		out[i] = clamp16(sum / int32(channels))
	}
	return PCM(out)
}

// Resample converts mono 16-bit PCM from one rate to another with linear
// interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to || len(pcm) < 2 {
		return pcm
	}
	in := Samples(pcm)
	n := int(int64(len(in)) * int64(to) / int64(from))
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		a := in[idx]
		b := a
		if idx+1 < len(in) {
			b = in[idx+1]
		}
		out[i] = int16(float64(a)*(1-frac) + float64(b)*frac)
	}
	return PCM(out)
}

// ToMono converts a Linear16 segment to mono at the given sample rate.
// Providers that only accept a fixed rate (whisper.cpp wants 16 kHz mono)
// use this before encoding a request.
func ToMono(seg Segment, rate int) Segment {
	if seg.Format.Encoding != Linear16 {
		return seg
	}
	data := Downmix(seg.Data, seg.Format.Channels)
	data = Resample(data, seg.Format.SampleRate, rate)
	return Segment{
		SSRC:   seg.SSRC,
		Data:   data,
		Format: Format{Encoding: Linear16, SampleRate: rate, Channels: 1},
	}
}

// Float32 converts mono 16-bit PCM to samples normalised to [-1, 1].
func Float32(pcm []byte) []float32 {
	in := Samples(pcm)
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// RMS returns the root mean square amplitude of 16-bit PCM.
func RMS(pcm []byte) float64 {
	in := Samples(pcm)
	if len(in) == 0 {
		return 0
	}
	var sum float64
	for _, s := range in {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(in)))
}

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bits = 16
	blockAlign := channels * bits / 8

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bits)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

func clamp16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
