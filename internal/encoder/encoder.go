// Package encoder turns raw preview frames into H.264/H.265 elementary
// streams for the streaming and recording sinks.
package encoder

import (
	"errors"

	"github.com/smazurov/camnode/internal/media"
)

// ErrNotStarted is returned when an operation needs a running encoder.
var ErrNotStarted = errors.New("encoder not started")

// Encoder consumes raw frames and emits one encoded frame per input frame,
// in input order.
type Encoder interface {
	// InputFormat is the raw format Feed expects.
	InputFormat() media.Format
	// Configure applies cfg. While running it takes effect through an
	// internal restart.
	Configure(cfg media.CaptureConfig) error
	Start(onEncoded func(*media.Frame)) error
	// Feed queues one frame. Frames are dropped, not buffered, when the
	// encoder cannot take them.
	Feed(f *media.Frame)
	RequestKeyFrame()
	SetBitRate(bps int) error
	Stop() error
}

// Factory creates an encoder for one sink.
type Factory func(id string, cfg media.CaptureConfig) (Encoder, error)
