package v4l2

import (
	"bytes"
	"io"
)

const (
	readChunk = 64 * 1024
	// a frame larger than this is treated as stream corruption
	maxFrameSize = 16 << 20
)

// jpegSplitter cuts a concatenated MJPEG byte stream into JPEG images.
// Marker segments are walked up to SOS so an EOI inside an embedded
// thumbnail does not end the frame early.
type jpegSplitter struct {
	buf  []byte
	emit func([]byte)
}

// Consume reads r until EOF.
func (s *jpegSplitter) Consume(r io.Reader) {
	chunk := make([]byte, readChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			s.Write(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

// Write appends b and emits every complete image.
func (s *jpegSplitter) Write(b []byte) {
	s.buf = append(s.buf, b...)
	for {
		soi := bytes.Index(s.buf, []byte{0xFF, 0xD8})
		if soi < 0 {
			// keep a trailing 0xFF that may begin the next SOI
			if n := len(s.buf); n > 0 && s.buf[n-1] == 0xFF {
				s.buf = append(s.buf[:0], 0xFF)
			} else {
				s.buf = s.buf[:0]
			}
			return
		}
		if soi > 0 {
			s.buf = append(s.buf[:0], s.buf[soi:]...)
		}
		end, ok := jpegEnd(s.buf)
		if !ok {
			if len(s.buf) > maxFrameSize {
				s.buf = s.buf[:0]
			}
			return
		}
		if end < 0 {
			// malformed header, resync on the next SOI
			s.buf = append(s.buf[:0], s.buf[2:]...)
			continue
		}
		s.emit(bytes.Clone(s.buf[:end]))
		s.buf = append(s.buf[:0], s.buf[end:]...)
	}
}

// jpegEnd returns the length of the image starting at b[0]. ok is false
// when more data is needed; end is -1 for a malformed header.
func jpegEnd(b []byte) (end int, ok bool) {
	i := 2
	for {
		if i+4 > len(b) {
			return 0, false
		}
		if b[i] != 0xFF {
			return -1, true
		}
		marker := b[i+1]
		if marker == 0xFF {
			i++
			continue
		}
		if marker == 0xD9 {
			return i + 2, true
		}
		length := int(b[i+2])<<8 | int(b[i+3])
		if length < 2 {
			return -1, true
		}
		i += 2 + length
		if marker == 0xDA {
			break
		}
	}
	for j := i; j+1 < len(b); j++ {
		if b[j] == 0xFF && b[j+1] == 0xD9 {
			return j + 2, true
		}
	}
	return 0, false
}

// rawSplitter cuts a rawvideo stream into fixed-size frames.
type rawSplitter struct {
	size int
	emit func([]byte)
}

// Consume reads r until EOF. Each emitted frame is a fresh buffer.
func (s *rawSplitter) Consume(r io.Reader) {
	for {
		frame := make([]byte, s.size)
		if _, err := io.ReadFull(r, frame); err != nil {
			return
		}
		s.emit(frame)
	}
}
