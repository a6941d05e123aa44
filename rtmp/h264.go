package rtmp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	nalTypeSlice = 1
	nalTypeIDR   = 5
	nalTypeSEI   = 6
	nalTypeSPS   = 7
	nalTypePPS   = 8
	nalTypeAUD   = 9
)

var errSPSTooShort = errors.New("SPS data too short")

// AccessUnit is one coded picture produced by the video encoder: its slice
// NAL units (without start codes), keyframe flag, and the parameter sets
// seen alongside it, if any.
type AccessUnit struct {
	NALUs      [][]byte
	IsKeyframe bool
	PTSUS      int64
	SPS        []byte
	PPS        []byte
}

var startCode3 = []byte{0x00, 0x00, 0x01}

// splitNALUs splits an Annex-B byte stream into NAL units without start
// codes. A trailing NALU is included even without a following start code;
// callers feeding a live stream should only pass data they know ends on an
// access-unit boundary (the splitter is driven by AUD grouping, below).
func splitNALUs(data []byte) [][]byte {
	var nalus [][]byte
	i := bytes.Index(data, startCode3)
	for i >= 0 {
		start := i + len(startCode3)
		next := bytes.Index(data[start:], startCode3)
		if next < 0 {
			nalu := data[start:]
			if len(nalu) > 0 {
				nalus = append(nalus, nalu)
			}
			break
		}
		end := start + next
		// 4-byte start codes leave a trailing zero on the previous NALU.
		for end > start && data[end-1] == 0 {
			end--
		}
		if end > start {
			nalus = append(nalus, data[start:end])
		}
		i = start + next
	}
	return nalus
}

// auSplitter incrementally groups an Annex-B stream into access units,
// using the encoder's access unit delimiters (the encoder is launched with
// aud=1) as boundaries. Bytes after the last complete unit are retained.
type auSplitter struct {
	buf []byte
	sps []byte
	pps []byte
}

// push appends encoder output and returns all completed access units.
func (s *auSplitter) push(data []byte) []AccessUnit {
	s.buf = append(s.buf, data...)

	// An access unit is complete when the *next* AUD appears. Find AUD
	// positions in the buffered stream.
	var boundaries []int
	nalus, offsets := splitWithOffsets(s.buf)
	for i, nalu := range nalus {
		if nalu[0]&0x1F == nalTypeAUD {
			boundaries = append(boundaries, offsets[i])
		}
	}
	if len(boundaries) < 2 {
		return nil
	}

	var units []AccessUnit
	for i := 0; i+1 < len(boundaries); i++ {
		chunk := s.buf[boundaries[i]:boundaries[i+1]]
		if au, ok := s.buildUnit(chunk); ok {
			units = append(units, au)
		}
	}

	last := boundaries[len(boundaries)-1]
	s.buf = append(s.buf[:0:0], s.buf[last:]...)
	return units
}

// buildUnit assembles one access unit from the NALUs between two delimiters,
// capturing parameter sets and filtering out non-payload units.
func (s *auSplitter) buildUnit(chunk []byte) (AccessUnit, bool) {
	var au AccessUnit
	for _, nalu := range splitNALUs(chunk) {
		switch nalu[0] & 0x1F {
		case nalTypeAUD:
			// delimiter only
		case nalTypeSPS:
			s.sps = append([]byte(nil), nalu...)
		case nalTypePPS:
			s.pps = append([]byte(nil), nalu...)
		case nalTypeIDR:
			au.IsKeyframe = true
			au.NALUs = append(au.NALUs, nalu)
		default:
			au.NALUs = append(au.NALUs, nalu)
		}
	}
	if len(au.NALUs) == 0 {
		return au, false
	}
	au.SPS = s.sps
	au.PPS = s.pps
	return au, true
}

// splitWithOffsets is splitNALUs plus the byte offset of each NALU's start
// code in the input.
func splitWithOffsets(data []byte) ([][]byte, []int) {
	var nalus [][]byte
	var offsets []int
	i := bytes.Index(data, startCode3)
	for i >= 0 {
		// Report the position of the start code itself, including a
		// preceding zero byte from a 4-byte code.
		pos := i
		if pos > 0 && data[pos-1] == 0 {
			pos--
		}
		start := i + len(startCode3)
		next := bytes.Index(data[start:], startCode3)
		if next < 0 {
			if len(data[start:]) > 0 {
				nalus = append(nalus, data[start:])
				offsets = append(offsets, pos)
			}
			break
		}
		end := start + next
		for end > start && data[end-1] == 0 {
			end--
		}
		if end > start {
			nalus = append(nalus, data[start:end])
			offsets = append(offsets, pos)
		}
		i = start + next
	}
	return nalus, offsets
}

// avccPayload serializes an access unit's NALUs with 4-byte big-endian
// length prefixes, the layout the RTMP/FLV muxer expects.
func avccPayload(au AccessUnit) []byte {
	size := 0
	for _, n := range au.NALUs {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	var lenBuf [4]byte
	for _, n := range au.NALUs {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(n)))
		out = append(out, lenBuf[:]...)
		out = append(out, n...)
	}
	return out
}

// spsInfo holds the parameters needed from an H.264 SPS: coded resolution
// and the profile bytes for the RFC 6381 codec string.
type spsInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E").
func (s spsInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func (br *bitReader) readBit() (uint, error) {
	if br.pos >= len(br.data) {
		return 0, errSPSTooShort
	}
	val := uint((br.data[br.pos] >> (7 - br.bit)) & 1)
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return val, nil
}

func (br *bitReader) readBits(n int) (uint, error) {
	var val uint
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		val = (val << 1) | b
	}
	return val, nil
}

func (br *bitReader) readUE() (uint, error) {
	zeros := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errSPSTooShort
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := br.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << zeros) - 1 + suffix, nil
}

func (br *bitReader) readSE() (int, error) {
	val, err := br.readUE()
	if err != nil {
		return 0, err
	}
	if val%2 == 0 {
		return -int(val / 2), nil
	}
	return int((val + 1) / 2), nil
}

func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

// parseSPS extracts resolution and profile/level from an H.264 SPS NAL unit
// (NAL header byte included, start code stripped). It parses only as far as
// the frame cropping fields; VUI parameters are ignored.
func parseSPS(nalu []byte) (spsInfo, error) {
	if len(nalu) < 4 {
		return spsInfo{}, errSPSTooShort
	}

	br := &bitReader{data: removeEmulationPrevention(nalu[1:])}

	profileIDC, err := br.readBits(8)
	if err != nil {
		return spsInfo{}, err
	}
	constraintFlags, err := br.readBits(8)
	if err != nil {
		return spsInfo{}, err
	}
	levelIDC, err := br.readBits(8)
	if err != nil {
		return spsInfo{}, err
	}
	if _, err := br.readUE(); err != nil { // seq_parameter_set_id
		return spsInfo{}, err
	}

	chromaFormatIDC := uint(1)
	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		chromaFormatIDC, err = br.readUE()
		if err != nil {
			return spsInfo{}, err
		}
		if chromaFormatIDC == 3 {
			if _, err := br.readBits(1); err != nil { // separate_colour_plane
				return spsInfo{}, err
			}
		}
		if _, err := br.readUE(); err != nil { // bit_depth_luma_minus8
			return spsInfo{}, err
		}
		if _, err := br.readUE(); err != nil { // bit_depth_chroma_minus8
			return spsInfo{}, err
		}
		if _, err := br.readBits(1); err != nil { // qpprime_y_zero_transform_bypass
			return spsInfo{}, err
		}
		scalingMatrix, err := br.readBits(1)
		if err != nil {
			return spsInfo{}, err
		}
		if scalingMatrix == 1 {
			return spsInfo{}, errors.New("SPS scaling matrix not supported")
		}
	}

	if _, err := br.readUE(); err != nil { // log2_max_frame_num_minus4
		return spsInfo{}, err
	}
	picOrderCntType, err := br.readUE()
	if err != nil {
		return spsInfo{}, err
	}
	switch picOrderCntType {
	case 0:
		if _, err := br.readUE(); err != nil {
			return spsInfo{}, err
		}
	case 1:
		if _, err := br.readBits(1); err != nil {
			return spsInfo{}, err
		}
		if _, err := br.readSE(); err != nil {
			return spsInfo{}, err
		}
		if _, err := br.readSE(); err != nil {
			return spsInfo{}, err
		}
		numRefFrames, err := br.readUE()
		if err != nil {
			return spsInfo{}, err
		}
		for i := uint(0); i < numRefFrames; i++ {
			if _, err := br.readSE(); err != nil {
				return spsInfo{}, err
			}
		}
	}

	if _, err := br.readUE(); err != nil { // max_num_ref_frames
		return spsInfo{}, err
	}
	if _, err := br.readBits(1); err != nil { // gaps_in_frame_num_value_allowed
		return spsInfo{}, err
	}

	picWidthMbs, err := br.readUE()
	if err != nil {
		return spsInfo{}, err
	}
	picHeightMapUnits, err := br.readUE()
	if err != nil {
		return spsInfo{}, err
	}
	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return spsInfo{}, err
	}
	if frameMbsOnly == 0 {
		if _, err := br.readBits(1); err != nil { // mb_adaptive_frame_field
			return spsInfo{}, err
		}
	}
	if _, err := br.readBits(1); err != nil { // direct_8x8_inference
		return spsInfo{}, err
	}

	cropLeft, cropRight, cropTop, cropBottom := uint(0), uint(0), uint(0), uint(0)
	cropping, err := br.readBits(1)
	if err != nil {
		return spsInfo{}, err
	}
	if cropping == 1 {
		if cropLeft, err = br.readUE(); err != nil {
			return spsInfo{}, err
		}
		if cropRight, err = br.readUE(); err != nil {
			return spsInfo{}, err
		}
		if cropTop, err = br.readUE(); err != nil {
			return spsInfo{}, err
		}
		if cropBottom, err = br.readUE(); err != nil {
			return spsInfo{}, err
		}
	}

	var cropUnitX, cropUnitY uint
	switch chromaFormatIDC {
	case 0:
		cropUnitX, cropUnitY = 1, 1
	case 2:
		cropUnitX, cropUnitY = 2, 1
	default:
		cropUnitX, cropUnitY = 2, 2
	}
	cropUnitY *= 2 - frameMbsOnly

	width := int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight))
	height := int((picHeightMapUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(cropTop+cropBottom))

	return spsInfo{
		Width:           width,
		Height:          height,
		ProfileIDC:      byte(profileIDC),
		ConstraintFlags: byte(constraintFlags),
		LevelIDC:        byte(levelIDC),
	}, nil
}
