// Package pipeline normalizes raw camera frames and fans them out to the
// registered consumers of one capture session.
package pipeline

import (
	"log/slog"
	"sync"

	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/metrics"
)

// DefaultJPEGQuality is used for YUV420 to JPEG preview conversion.
const DefaultJPEGQuality = 85

// Source turns hardware preview frames into the set of raw formats that
// registered consumers need. Only formats with a non-zero reference count
// are produced.
type Source struct {
	cameraID string
	quality  int
	logger   *slog.Logger
	out      func(*media.Frame)

	mu      sync.Mutex
	formats map[media.Format]int
}

// NewSource creates a source that hands produced frames to out.
func NewSource(cameraID string, quality int, out func(*media.Frame), logger *slog.Logger) *Source {
	if quality <= 0 || quality > media.JPEGQualityMax {
		quality = DefaultJPEGQuality
	}
	if logger == nil {
		logger = logging.GetLogger("pipeline")
	}
	return &Source{
		cameraID: cameraID,
		quality:  quality,
		logger:   logger.With("camera_id", cameraID),
		out:      out,
		formats:  make(map[media.Format]int),
	}
}

// Require adds a reference to format.
func (s *Source) Require(format media.Format) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formats[format]++
}

// Drop removes a reference to format.
func (s *Source) Drop(format media.Format) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.formats[format]; n > 1 {
		s.formats[format] = n - 1
	} else {
		delete(s.formats, format)
	}
}

// Active returns the formats currently produced.
func (s *Source) Active() []media.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]media.Format, 0, len(s.formats))
	for _, f := range []media.Format{media.FormatJPEG, media.FormatYUV420} {
		if s.formats[f] > 0 {
			out = append(out, f)
		}
	}
	return out
}

// OnRaw is the hardware frame callback. It runs on the capture goroutine
// and emits frames in capture order.
func (s *Source) OnRaw(f *media.Frame) {
	if f == nil || !f.Format.Raw() {
		return
	}
	for _, want := range s.Active() {
		if want == f.Format {
			s.out(f)
			continue
		}
		conv, err := media.Convert(f, want, s.quality)
		if err != nil {
			metrics.IncConversionErrors(s.cameraID, want.String())
			s.logger.Debug("Dropping frame after conversion failure", "from", f.Format, "to", want, "error", err)
			continue
		}
		s.out(conv)
	}
}
