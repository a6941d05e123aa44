// Package yuv converts planar YUV 4:2:0 (I420) camera frames into the
// semi-planar layout (full Y plane followed by one interleaved V/U plane)
// consumed by the JPEG preview path, and encodes preview JPEGs from it.
package yuv

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// ToSemiPlanar converts an I420 buffer into semi-planar layout in dst:
// the Y plane is copied unchanged, then the two chroma planes are
// interleaved V-before-U into a single plane. dst and src must both be
// width*height*3/2 bytes.
//
// A mismatched buffer size is a caller bug, not a runtime condition:
// ToSemiPlanar panics rather than returning an error.
func ToSemiPlanar(dst, src []byte, width, height int) {
	ySize := width * height
	cSize := ySize / 4
	total := ySize + 2*cSize

	if len(src) != total {
		panic(fmt.Sprintf("yuv: source buffer %d bytes, need %d for %dx%d", len(src), total, width, height))
	}
	if len(dst) != total {
		panic(fmt.Sprintf("yuv: dest buffer %d bytes, need %d for %dx%d", len(dst), total, width, height))
	}

	copy(dst[:ySize], src[:ySize])

	uPlane := src[ySize : ySize+cSize]
	vPlane := src[ySize+cSize:]
	out := dst[ySize:]
	for i := 0; i < cSize; i++ {
		out[2*i] = vPlane[i]
		out[2*i+1] = uPlane[i]
	}
}

// Convert is the allocating variant of ToSemiPlanar.
func Convert(src []byte, width, height int) []byte {
	dst := make([]byte, width*height*3/2)
	ToSemiPlanar(dst, src, width, height)
	return dst
}

// EncodeJPEG encodes a semi-planar frame (as produced by ToSemiPlanar) into
// a JPEG at the given quality (1-100). Width and height must be even.
func EncodeJPEG(semiPlanar []byte, width, height, quality int) ([]byte, error) {
	ySize := width * height
	cSize := ySize / 4
	if len(semiPlanar) != ySize+2*cSize {
		panic(fmt.Sprintf("yuv: frame buffer %d bytes, need %d for %dx%d", len(semiPlanar), ySize+2*cSize, width, height))
	}

	img := &image.YCbCr{
		Y:              semiPlanar[:ySize],
		Cb:             make([]byte, cSize),
		Cr:             make([]byte, cSize),
		YStride:        width,
		CStride:        width / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, width, height),
	}

	chroma := semiPlanar[ySize:]
	for i := 0; i < cSize; i++ {
		img.Cr[i] = chroma[2*i]
		img.Cb[i] = chroma[2*i+1]
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode preview jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
