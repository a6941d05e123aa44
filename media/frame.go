// Package media defines the core frame and chunk types that flow through the
// lenscast capture pipeline, from the device frame source through encoding
// to the network transports.
package media

// CaptureBufferSize is the channel buffer used between a frame source
// (producer) and the session controller (consumer) to decouple capture
// cadence from transport backpressure. Sized to absorb ~1 second of video
// at 24fps plus interleaved audio chunks without excessive memory.
const CaptureBufferSize = 48

// RawVideoFrame is one captured picture in planar YUV 4:2:0 (I420) layout:
// a full-resolution Y plane followed by quarter-resolution U and V planes,
// Width*Height*3/2 bytes total.
//
// The backing Buffer is owned by the producer for the duration of a single
// delivery. A consumer that needs the bytes past that point must copy them;
// the producer may reuse or invalidate the buffer immediately after.
type RawVideoFrame struct {
	Width     int
	Height    int
	Buffer    []byte
	CaptureTS int64 // monotonic capture timestamp, microseconds
}

// YUVSize returns the required I420 buffer length for the given dimensions.
func YUVSize(width, height int) int {
	return width * height * 3 / 2
}

// AudioChunk is one microphone PCM buffer (signed 16-bit little-endian
// samples). Chunks arrive in capture order and must be encoded in that
// order; the pipeline never reorders them.
type AudioChunk struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// EncodedAACPacket is a single raw AAC access unit produced by the audio
// encoder. Sequence increases monotonically from 0 within one encoder
// session; one input chunk may yield zero or several packets.
type EncodedAACPacket struct {
	Payload    []byte
	SampleRate int
	Channels   int
	Sequence   int64
}

// CaptureFrame is the union type delivered on a frame source's single
// ordered stream: exactly one of Video or Audio is set.
type CaptureFrame struct {
	Video *RawVideoFrame
	Audio *AudioChunk
}
