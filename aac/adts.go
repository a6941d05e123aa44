// Package aac implements ADTS framing for raw AAC access units: writing the
// 7-byte ISO/IEC 13818-7 header around encoder output, and parsing an ADTS
// byte stream back into individual frames.
package aac

import "errors"

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("invalid ADTS header")

// HeaderSize is the length of an ADTS header without CRC.
const HeaderSize = 7

// AAC sample rate index table (ISO 14496-3)
var sampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// defaultFreqIndex is used for sample rates not in the table (24000 Hz).
const defaultFreqIndex = 6

// freqIndex maps a sample rate to its ADTS sampling frequency index.
func freqIndex(sampleRate int) byte {
	for i, r := range sampleRates {
		if r == sampleRate {
			return byte(i)
		}
	}
	return defaultFreqIndex
}

// FrameADTS wraps one raw AAC access unit with a 7-byte ADTS header
// (MPEG-4, AAC-LC, no CRC). The returned slice is freshly allocated;
// total length is HeaderSize + len(payload).
func FrameADTS(payload []byte, sampleRate, channels int) []byte {
	const profile = 2 // AAC-LC

	frameLen := HeaderSize + len(payload)
	idx := freqIndex(sampleRate)
	ch := byte(channels)

	out := make([]byte, frameLen)
	out[0] = 0xFF
	out[1] = 0xF1 // MPEG-4, layer 0, no CRC
	out[2] = ((profile - 1) << 6) | (idx << 2) | (ch >> 2)
	out[3] = ((ch & 0x03) << 6) | byte((frameLen>>11)&0x03)
	out[4] = byte((frameLen >> 3) & 0xFF)
	out[5] = byte((frameLen&0x07)<<5) | 0x1F
	out[6] = 0xFC
	copy(out[HeaderSize:], payload)
	return out
}

// Frame is a single AAC frame recovered from an ADTS stream. Data holds the
// complete frame (header + payload); Payload aliases the raw AAC bytes after
// the header.
type Frame struct {
	Data       []byte
	Payload    []byte
	SampleRate int
	Channels   int
}

// ParseADTS parses an ADTS byte stream into individual AAC frames. A
// truncated frame at the end of the input is left unconsumed; the number of
// bytes consumed is returned so callers feeding a live stream can retain
// the tail for the next read.
func ParseADTS(data []byte) (frames []Frame, consumed int, err error) {
	offset := 0

	for offset < len(data) {
		if len(data)-offset < HeaderSize {
			break // not enough for ADTS header
		}

		// Sync word: 0xFFF
		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			offset++
			continue
		}

		hasCRC := (data[offset+1] & 0x01) == 0
		headerSize := HeaderSize
		if hasCRC {
			headerSize = HeaderSize + 2
		}

		sampleRateIdx := (data[offset+2] >> 2) & 0x0F
		if int(sampleRateIdx) >= len(sampleRates) {
			return frames, offset, ErrInvalidADTS
		}

		channelCfg := ((data[offset+2] & 0x01) << 2) | ((data[offset+3] >> 6) & 0x03)

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)

		if frameLen < headerSize {
			return frames, offset, ErrInvalidADTS
		}
		if offset+frameLen > len(data) {
			break // truncated
		}

		frames = append(frames, Frame{
			Data:       data[offset : offset+frameLen],
			Payload:    data[offset+headerSize : offset+frameLen],
			SampleRate: sampleRates[sampleRateIdx],
			Channels:   int(channelCfg),
		})

		offset += frameLen
	}

	return frames, offset, nil
}
