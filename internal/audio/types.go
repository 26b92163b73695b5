// ABOUTME: Audio stream format descriptors
// ABOUTME: Defines PCM/DSD sample formats and DSD wire layouts
package audio

import "fmt"

// SampleFormat identifies how the upstream decoder delivers samples.
type SampleFormat int

const (
	S16LE     SampleFormat = iota // 16-bit little-endian PCM
	S24P32LSB                     // 24-bit payload in a 32-bit container, LSB-aligned
	S24P32MSB                     // 24-bit payload in a 32-bit container, MSB-aligned
	S24LE                         // 24-bit packed little-endian PCM
	S32LE                         // 32-bit little-endian PCM
	DSDU8                         // DSD, 8 one-bit samples per byte
)

func (f SampleFormat) String() string {
	switch f {
	case S16LE:
		return "S16_LE"
	case S24P32LSB:
		return "S24_P32_LSB"
	case S24P32MSB:
		return "S24_P32_MSB"
	case S24LE:
		return "S24_LE"
	case S32LE:
		return "S32_LE"
	case DSDU8:
		return "DSD_U8"
	}
	return fmt.Sprintf("SampleFormat(%d)", int(f))
}

// BytesPerSample returns the size of one decoded sample as delivered
// by the upstream decoder, before wire conversion.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case S16LE:
		return 2
	case S24LE:
		return 3
	case S24P32LSB, S24P32MSB, S32LE:
		return 4
	case DSDU8:
		return 1
	}
	return 0
}

// DSDLayout selects the byte/bit transform the target expects for DSD.
type DSDLayout int

const (
	DSDPassthrough DSDLayout = iota
	DSDBitReverse
	DSDByteSwap
	DSDBitReverseSwap
)

func (l DSDLayout) String() string {
	switch l {
	case DSDPassthrough:
		return "passthrough"
	case DSDBitReverse:
		return "bit-reverse"
	case DSDByteSwap:
		return "byte-swap"
	case DSDBitReverseSwap:
		return "bit-reverse-swap"
	}
	return fmt.Sprintf("DSDLayout(%d)", int(l))
}

const (
	// PCMSilence is the silence byte for all PCM encodings.
	PCMSilence = 0x00
	// DSDSilence is the standard DSD idle pattern (01101001).
	DSDSilence = 0x69
)

// Format describes the active stream.
type Format struct {
	Sample     SampleFormat
	SampleRate int
	Channels   int
	DSD        DSDLayout // meaningful only when Sample == DSDU8
}

// IsDSD reports whether the stream carries DSD audio.
func (f Format) IsDSD() bool { return f.Sample == DSDU8 }

// SilenceByte returns the fill byte for under-run packets.
func (f Format) SilenceByte() byte {
	if f.IsDSD() {
		return DSDSilence
	}
	return PCMSilence
}

// WireBytes returns the number of bytes n decoded input bytes occupy
// after push-side conversion.
func (f Format) WireBytes(n int) int {
	switch f.Sample {
	case S24P32LSB, S24P32MSB:
		return n * 3 / 4
	case S16LE:
		return n * 2
	default:
		return n
	}
}

// BytesPerSecond is the wire-side data rate of the stream.
func (f Format) BytesPerSecond() int {
	if f.IsDSD() {
		// DSD sample rates count 1-bit samples per channel.
		return f.SampleRate / 8 * f.Channels
	}
	raw := f.SampleRate * f.Channels * f.Sample.BytesPerSample()
	return f.WireBytes(raw)
}

// PeakBytesPerSecond is the highest wire rate the renderer must be able
// to buffer, used to size the ring from a buffer-seconds setting.
// DSD512 stereo is the ceiling of what Diretta targets accept.
func PeakBytesPerSecond() int {
	return Format{Sample: DSDU8, SampleRate: 44100 * 512, Channels: 2}.BytesPerSecond()
}
