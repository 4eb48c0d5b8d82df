package encoder

import (
	"context"
	"time"

	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
)

const selectTimeout = 10 * time.Second

// NewFFmpegFactory returns a Factory creating ffmpeg encoders that read
// input frames. The encoder is chosen from catalog for the configured
// codec, honouring CaptureConfig.SoftwareEncoderPreferred.
func NewFFmpegFactory(catalog *Catalog, input media.Format) Factory {
	return func(id string, cfg media.CaptureConfig) (Encoder, error) {
		cfg = cfg.WithDefaults()
		ctx, cancel := context.WithTimeout(context.Background(), selectTimeout)
		defer cancel()
		name := catalog.Select(ctx, cfg.Codec, cfg.SoftwareEncoderPreferred)
		return NewFFmpeg(Options{
			ID:      id,
			Encoder: name,
			Input:   input,
			Logger:  logging.GetLogger("encoder").With("encoder_id", id),
		})
	}
}
