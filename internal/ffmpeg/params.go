package ffmpeg

import "github.com/smazurov/camnode/internal/media"

// EncoderParams describes an encode subprocess that reads frames on stdin
// and writes an Annex-B elementary stream on stdout.
type EncoderParams struct {
	Encoder   string       // libx264, h264_vaapi, ...
	Codec     media.Codec  // selects the output muxer and metadata filter
	Input     media.Format // FormatJPEG or FormatYUV420
	Size      media.Size   // required for raw input
	FrameRate int
	BitRate   int // bits per second
	GOP       int // frames between key frames
}

// CaptureParams describes a V4L2 capture subprocess that writes frames on
// stdout.
type CaptureParams struct {
	Device      string // /dev/video0
	InputFormat string // mjpeg, yuyv422
	Size        media.Size
	FrameRate   int
	Output      media.Format // FormatJPEG or FormatYUV420
}
