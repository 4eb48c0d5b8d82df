package media

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerAPP0 = 0xE0
	markerAPP1 = 0xE1

	tagOrientation = 0x0112
	typeShort      = 3
)

var exifHeader = []byte("Exif\x00\x00")

// Errors returned by the EXIF helpers.
var (
	ErrNotJPEG           = errors.New("not a jpeg stream")
	ErrMalformedExif     = errors.New("malformed exif segment")
	ErrNoOrientationSlot = errors.New("exif segment has no orientation entry")
)

// OrientationTag maps a clockwise display rotation to the EXIF Orientation
// value that makes a viewer apply it.
func OrientationTag(rotation int) uint16 {
	switch ((rotation%360)+360) % 360 {
	case 90:
		return 6
	case 180:
		return 3
	case 270:
		return 8
	default:
		return 1
	}
}

// RotationForTag is the inverse of OrientationTag for the unmirrored tags.
func RotationForTag(tag uint16) int {
	switch tag {
	case 6:
		return 90
	case 3:
		return 180
	case 8:
		return 270
	default:
		return 0
	}
}

type segment struct {
	marker byte
	start  int // offset of the 0xFF byte
	data   int // offset of the payload
	end    int // offset past the payload
}

// headerSegments returns the marker segments preceding the scan data.
func headerSegments(b []byte) ([]segment, error) {
	if len(b) < 4 || b[0] != 0xFF || b[1] != markerSOI {
		return nil, ErrNotJPEG
	}
	var segs []segment
	i := 2
	for i+4 <= len(b) {
		if b[i] != 0xFF {
			return nil, ErrNotJPEG
		}
		marker := b[i+1]
		if marker == 0xFF {
			i++
			continue
		}
		if marker == markerSOS || marker == markerEOI {
			return segs, nil
		}
		n := int(binary.BigEndian.Uint16(b[i+2:]))
		if n < 2 || i+2+n > len(b) {
			return nil, ErrNotJPEG
		}
		segs = append(segs, segment{marker: marker, start: i, data: i + 4, end: i + 2 + n})
		i += 2 + n
	}
	return segs, nil
}

func findExif(b []byte, segs []segment) (segment, bool) {
	for _, s := range segs {
		if s.marker == markerAPP1 && bytes.HasPrefix(b[s.data:s.end], exifHeader) {
			return s, true
		}
	}
	return segment{}, false
}

// orientationOffset returns the absolute offset of the orientation value
// inside an Exif APP1 segment along with its byte order.
func orientationOffset(b []byte, s segment) (int, binary.ByteOrder, error) {
	tiff := s.data + len(exifHeader)
	if tiff+8 > s.end {
		return 0, nil, ErrMalformedExif
	}
	var order binary.ByteOrder
	switch string(b[tiff : tiff+2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 0, nil, ErrMalformedExif
	}
	ifd := tiff + int(order.Uint32(b[tiff+4:]))
	if ifd+2 > s.end {
		return 0, nil, ErrMalformedExif
	}
	count := int(order.Uint16(b[ifd:]))
	for k := 0; k < count; k++ {
		e := ifd + 2 + k*12
		if e+12 > s.end {
			return 0, nil, ErrMalformedExif
		}
		if order.Uint16(b[e:]) != tagOrientation {
			continue
		}
		if order.Uint16(b[e+2:]) != typeShort {
			return 0, nil, ErrMalformedExif
		}
		return e + 8, order, nil
	}
	return 0, order, ErrNoOrientationSlot
}

// ReadOrientation returns the EXIF Orientation of a JPEG. ok is false when
// the stream carries no orientation.
func ReadOrientation(b []byte) (tag uint16, ok bool) {
	segs, err := headerSegments(b)
	if err != nil {
		return 0, false
	}
	s, found := findExif(b, segs)
	if !found {
		return 0, false
	}
	off, order, err := orientationOffset(b, s)
	if err != nil {
		return 0, false
	}
	return order.Uint16(b[off:]), true
}

// WithOrientation returns a copy of the JPEG whose EXIF Orientation encodes
// the given clockwise rotation. An existing orientation entry is patched in
// place; a stream without Exif gets a minimal APP1 after SOI (and after a
// leading JFIF APP0). Pixel data is never touched.
func WithOrientation(b []byte, rotation int) ([]byte, error) {
	segs, err := headerSegments(b)
	if err != nil {
		return nil, err
	}
	tag := OrientationTag(rotation)

	if s, found := findExif(b, segs); found {
		off, order, err := orientationOffset(b, s)
		if err != nil {
			return nil, err
		}
		out := append([]byte(nil), b...)
		order.PutUint16(out[off:], tag)
		return out, nil
	}

	at := 2
	if len(segs) > 0 && segs[0].marker == markerAPP0 {
		at = segs[0].end
	}
	app1 := minimalExif(tag)
	out := make([]byte, 0, len(b)+len(app1))
	out = append(out, b[:at]...)
	out = append(out, app1...)
	out = append(out, b[at:]...)
	return out, nil
}

// minimalExif builds a big-endian APP1 segment with a single IFD0 entry.
func minimalExif(tag uint16) []byte {
	payload := make([]byte, 0, 32)
	payload = append(payload, exifHeader...)
	payload = append(payload, 'M', 'M', 0x00, 0x2A, 0, 0, 0, 8)
	payload = binary.BigEndian.AppendUint16(payload, 1)
	payload = binary.BigEndian.AppendUint16(payload, tagOrientation)
	payload = binary.BigEndian.AppendUint16(payload, typeShort)
	payload = binary.BigEndian.AppendUint32(payload, 1)
	payload = binary.BigEndian.AppendUint16(payload, tag)
	payload = append(payload, 0, 0)
	payload = binary.BigEndian.AppendUint32(payload, 0)

	seg := []byte{0xFF, markerAPP1}
	seg = binary.BigEndian.AppendUint16(seg, uint16(len(payload)+2))
	return append(seg, payload...)
}
