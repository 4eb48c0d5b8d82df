package encoder

import (
	"bytes"
	"io"

	"github.com/smazurov/camnode/internal/media"
)

const (
	readChunk   = 64 * 1024
	maxBuffered = 8 << 20
)

// auSplitter cuts an Annex-B byte stream into access units at AUD NAL
// units. The stream must carry an AUD before every access unit.
type auSplitter struct {
	codec media.Codec
	buf   []byte
	emit  func(au []byte)
}

func newAUSplitter(codec media.Codec, emit func([]byte)) *auSplitter {
	return &auSplitter{codec: codec, emit: emit}
}

// Consume reads r until EOF, emitting every complete access unit.
func (s *auSplitter) Consume(r io.Reader) {
	chunk := make([]byte, readChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			s.Write(chunk[:n])
		}
		if err != nil {
			s.Flush()
			return
		}
	}
}

// Write appends b and emits every access unit closed by a following AUD.
func (s *auSplitter) Write(b []byte) {
	s.buf = append(s.buf, b...)
	for {
		first := s.nextAUD(0)
		if first < 0 {
			if len(s.buf) > maxBuffered {
				s.Flush()
			}
			return
		}
		if first > 0 {
			s.emitUnit(s.buf[:first])
			s.buf = append(s.buf[:0], s.buf[first:]...)
			continue
		}
		// skip past the start code of the AUD opening this unit
		next := s.nextAUD(4)
		if next < 0 {
			if len(s.buf) > maxBuffered {
				s.Flush()
			}
			return
		}
		s.emitUnit(s.buf[:next])
		s.buf = append(s.buf[:0], s.buf[next:]...)
	}
}

// Flush emits whatever is buffered as the final access unit.
func (s *auSplitter) Flush() {
	if len(s.buf) > 0 {
		s.emitUnit(s.buf)
	}
	s.buf = s.buf[:0]
}

func (s *auSplitter) emitUnit(b []byte) {
	var nalus [][]byte
	for _, n := range media.SplitAnnexB(b) {
		if !media.IsAUD(s.codec, n) {
			nalus = append(nalus, n)
		}
	}
	if len(nalus) == 0 {
		return
	}
	s.emit(media.JoinAnnexB(nalus...))
}

// nextAUD returns the offset of the start code of the first AUD found at
// or after from, or -1.
func (s *auSplitter) nextAUD(from int) int {
	for i := from; i < len(s.buf); {
		j := bytes.Index(s.buf[i:], []byte{0, 0, 1})
		if j < 0 {
			return -1
		}
		start := i + j
		hdr := start + 3
		if hdr >= len(s.buf) || (s.codec == media.CodecH265 && hdr+1 >= len(s.buf)) {
			return -1
		}
		if media.IsAUD(s.codec, s.buf[hdr:]) {
			if start > 0 && s.buf[start-1] == 0 {
				start--
			}
			return start
		}
		i = hdr
	}
	return -1
}
