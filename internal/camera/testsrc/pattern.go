package testsrc

import (
	"image/color"

	"github.com/smazurov/camnode/internal/media"
)

var barsRGB = [][3]uint8{
	{192, 192, 192},
	{192, 192, 0},
	{0, 192, 192},
	{0, 192, 0},
	{192, 0, 192},
	{192, 0, 0},
	{0, 0, 192},
	{16, 16, 16},
}

type yuv struct{ y, cb, cr uint8 }

var barsYUV = func() []yuv {
	out := make([]yuv, len(barsRGB))
	for i, c := range barsRGB {
		y, cb, cr := color.RGBToYCbCr(c[0], c[1], c[2])
		out[i] = yuv{y, cb, cr}
	}
	return out
}()

// colorBars renders a fresh I420 buffer of eight vertical bars shifted
// horizontally by frame so consecutive frames differ.
func colorBars(size media.Size, frame uint64) []byte {
	w, h := size.Width, size.Height
	cw, ch := (w+1)/2, (h+1)/2
	buf := make([]byte, media.YUV420Len(w, h))
	yPlane := buf[:w*h]
	cbPlane := buf[w*h : w*h+cw*ch]
	crPlane := buf[w*h+cw*ch:]

	barWidth := w / len(barsYUV)
	if barWidth == 0 {
		barWidth = 1
	}
	shift := int(frame % uint64(w))

	row := make([]byte, w)
	for x := 0; x < w; x++ {
		row[x] = barsYUV[barIndex(x, shift, w, barWidth)].y
	}
	for y := 0; y < h; y++ {
		copy(yPlane[y*w:], row)
	}

	cbRow := make([]byte, cw)
	crRow := make([]byte, cw)
	for x := 0; x < cw; x++ {
		c := barsYUV[barIndex(2*x, shift, w, barWidth)]
		cbRow[x], crRow[x] = c.cb, c.cr
	}
	for y := 0; y < ch; y++ {
		copy(cbPlane[y*cw:], cbRow)
		copy(crPlane[y*cw:], crRow)
	}
	return buf
}

func barIndex(x, shift, w, barWidth int) int {
	i := ((x + shift) % w) / barWidth
	if i >= len(barsYUV) {
		i = len(barsYUV) - 1
	}
	return i
}
