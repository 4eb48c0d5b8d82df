package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
)

// JPEGQualityMax is the quality used for persisted stills.
const JPEGQualityMax = 100

// ErrShortBuffer is returned when a raw frame is smaller than its
// dimensions require.
var ErrShortBuffer = errors.New("frame buffer shorter than dimensions")

// Convert returns f in the requested raw format. Frames already in that
// format are returned unchanged. Metadata other than Format and Data is
// preserved.
func Convert(f *Frame, to Format, quality int) (*Frame, error) {
	if f.Format == to {
		return f, nil
	}
	switch {
	case f.Format == FormatYUV420 && to == FormatJPEG:
		return EncodeJPEG(f, quality)
	case f.Format == FormatJPEG && to == FormatYUV420:
		return DecodeJPEG(f)
	}
	return nil, fmt.Errorf("no conversion from %s to %s", f.Format, to)
}

// EncodeJPEG compresses an I420 frame.
func EncodeJPEG(f *Frame, quality int) (*Frame, error) {
	if f.Format != FormatYUV420 {
		return nil, fmt.Errorf("encode jpeg: unexpected format %s", f.Format)
	}
	img, err := yuvImage(f)
	if err != nil {
		return nil, err
	}
	if quality <= 0 || quality > JPEGQualityMax {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	buf.Grow(len(f.Data) / 4)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	out := *f
	out.Format = FormatJPEG
	out.Data = buf.Bytes()
	return &out, nil
}

// DecodeJPEG decompresses a JPEG frame into I420. Width and Height are
// taken from the bitstream.
func DecodeJPEG(f *Frame) (*Frame, error) {
	if f.Format != FormatJPEG {
		return nil, fmt.Errorf("decode jpeg: unexpected format %s", f.Format)
	}
	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]byte, YUV420Len(w, h))

	if ycc, ok := img.(*image.YCbCr); ok && ycc.SubsampleRatio == image.YCbCrSubsampleRatio420 {
		copyPlanes420(data, ycc, w, h)
	} else {
		fillPlanes420(data, img, w, h)
	}

	out := *f
	out.Format = FormatYUV420
	out.Width = w
	out.Height = h
	out.Data = data
	return &out, nil
}

// yuvImage wraps the frame buffer without copying.
func yuvImage(f *Frame) (*image.YCbCr, error) {
	w, h := f.Width, f.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", w, h)
	}
	if len(f.Data) < YUV420Len(w, h) {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(f.Data), YUV420Len(w, h))
	}
	cw, ch := (w+1)/2, (h+1)/2
	ySize, cSize := w*h, cw*ch
	return &image.YCbCr{
		Y:              f.Data[:ySize],
		Cb:             f.Data[ySize : ySize+cSize],
		Cr:             f.Data[ySize+cSize : ySize+2*cSize],
		YStride:        w,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, w, h),
	}, nil
}

func copyPlanes420(dst []byte, src *image.YCbCr, w, h int) {
	cw, ch := (w+1)/2, (h+1)/2
	for y := 0; y < h; y++ {
		off := src.YOffset(src.Rect.Min.X, src.Rect.Min.Y+y)
		copy(dst[y*w:y*w+w], src.Y[off:off+w])
	}
	cb := dst[w*h : w*h+cw*ch]
	cr := dst[w*h+cw*ch:]
	for y := 0; y < ch; y++ {
		off := src.COffset(src.Rect.Min.X, src.Rect.Min.Y+2*y)
		copy(cb[y*cw:y*cw+cw], src.Cb[off:off+cw])
		copy(cr[y*cw:y*cw+cw], src.Cr[off:off+cw])
	}
}

// fillPlanes420 handles 4:4:4, 4:2:2 and grayscale JPEGs. Chroma is
// sampled from the top-left pixel of each 2x2 block.
func fillPlanes420(dst []byte, img image.Image, w, h int) {
	b := img.Bounds()
	cw := (w + 1) / 2
	ch := (h + 1) / 2
	cb := dst[w*h : w*h+cw*ch]
	cr := dst[w*h+cw*ch:]
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.YCbCrModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.YCbCr)
			dst[y*w+x] = c.Y
			if x%2 == 0 && y%2 == 0 {
				cb[(y/2)*cw+x/2] = c.Cb
				cr[(y/2)*cw+x/2] = c.Cr
			}
		}
	}
}
