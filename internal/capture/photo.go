// Package capture takes photos and records MP4 files from a camera's
// shared capture session.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/camnode/internal/camera"
	"github.com/smazurov/camnode/internal/events"
	"github.com/smazurov/camnode/internal/logging"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/metrics"
	"github.com/smazurov/camnode/internal/session"
	"github.com/smazurov/camnode/internal/storage"
)

// PhotoQuality is the JPEG quality of stored photos.
const PhotoQuality = 100

const photoConsumer = "photo"

// ErrClosed is returned for photos requested after Close.
var ErrClosed = errors.New("photo capture closed")

// Session is the part of the session controller photos need.
type Session interface {
	Acquire(ctx context.Context, req session.Request) (*session.Handle, error)
	Release(h *session.Handle)
	Config() media.CaptureConfig
	Device(h *session.Handle) (camera.Device, error)
}

// Photo is a stored still.
type Photo struct {
	Path     string    `json:"path"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Rotation int       `json:"rotation"`
	Size     int       `json:"size"`
	TakenAt  time.Time `json:"taken_at"`
}

// PhotoOptions configures a PhotoCapture.
type PhotoOptions struct {
	CameraID string
	Session  Session
	Store    storage.Store
	Prefix   string
	// Rotation returns the clockwise rotation the photo needs to display
	// upright. Nil means none.
	Rotation func() int
	Bus      *events.Bus
	Logger   *slog.Logger
	Now      func() time.Time
}

type photoJob struct {
	ctx  context.Context
	done func(*Photo, error)
}

// PhotoCapture takes one photo at a time on its own worker. Requests
// queue in arrival order.
type PhotoCapture struct {
	opts   PhotoOptions
	logger *slog.Logger

	mu     sync.Mutex
	queue  []photoJob
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewPhotoCapture starts the photo worker.
func NewPhotoCapture(opts PhotoOptions) *PhotoCapture {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rotation == nil {
		opts.Rotation = func() int { return 0 }
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger("capture")
	}
	p := &PhotoCapture{
		opts:   opts,
		logger: logger.With("camera_id", opts.CameraID),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go p.worker()
	return p
}

// TakePhoto queues a photo and waits for it. If ctx ends while the photo
// is still queued it is skipped.
func (p *PhotoCapture) TakePhoto(ctx context.Context) (*Photo, error) {
	type result struct {
		photo *Photo
		err   error
	}
	ch := make(chan result, 1)
	p.enqueue(photoJob{ctx: ctx, done: func(ph *Photo, err error) { ch <- result{ph, err} }})
	select {
	case r := <-ch:
		return r.photo, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TakePhotoAsync queues a photo; done runs on the photo worker.
func (p *PhotoCapture) TakePhotoAsync(done func(*Photo, error)) {
	if done == nil {
		done = func(*Photo, error) {}
	}
	p.enqueue(photoJob{ctx: context.Background(), done: done})
}

// Pending returns the number of queued photos, including one in progress.
func (p *PhotoCapture) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *PhotoCapture) enqueue(job photoJob) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		job.done(nil, ErrClosed)
		return
	}
	p.queue = append(p.queue, job)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close fails every queued photo and waits for the one in progress.
func (p *PhotoCapture) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	<-p.done
}

func (p *PhotoCapture) worker() {
	defer close(p.done)
	for {
		p.mu.Lock()
		if p.closed {
			pending := p.queue
			p.queue = nil
			p.mu.Unlock()
			for _, job := range pending {
				job.done(nil, ErrClosed)
			}
			return
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			<-p.wake
			continue
		}
		job := p.queue[0]
		p.mu.Unlock()

		photo, err := p.run(job.ctx)

		p.mu.Lock()
		p.queue = p.queue[1:]
		p.mu.Unlock()
		job.done(photo, err)
	}
}

func (p *PhotoCapture) run(ctx context.Context) (*Photo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	photo, err := p.take(ctx)
	if err != nil {
		metrics.IncPhotos(p.opts.CameraID, "error")
		p.logger.Warn("Photo failed", "error", err)
		p.opts.Bus.Publish(events.PhotoFailed{
			CameraID:  p.opts.CameraID,
			Reason:    camera.ReasonOf(err).String(),
			Error:     err.Error(),
			Timestamp: events.Now(),
		})
		return nil, err
	}
	metrics.IncPhotos(p.opts.CameraID, "ok")
	p.logger.Info("Photo stored", "path", photo.Path, "bytes", photo.Size)
	p.opts.Bus.Publish(events.PhotoCaptured{
		CameraID:  p.opts.CameraID,
		Path:      photo.Path,
		Width:     photo.Width,
		Height:    photo.Height,
		Rotation:  photo.Rotation,
		Timestamp: events.Now(),
	})
	return photo, nil
}

func (p *PhotoCapture) take(ctx context.Context) (*Photo, error) {
	h, err := p.opts.Session.Acquire(ctx, session.Request{
		Purpose:  session.PurposePhoto,
		Consumer: photoConsumer,
	})
	if err != nil {
		return nil, err
	}
	defer p.opts.Session.Release(h)

	dev, err := p.opts.Session.Device(h)
	if err != nil {
		return nil, err
	}

	cfg := p.opts.Session.Config()
	rotation := p.opts.Rotation()
	still, err := dev.CaptureStill(ctx, camera.StillRequest{
		Size:     cfg.StillSize,
		Rotation: rotation,
		Quality:  PhotoQuality,
	})
	if err != nil {
		return nil, camera.Wrap("capture still", err)
	}

	data, err := p.toJPEG(still, rotation)
	if err != nil {
		return nil, camera.NewError(camera.ReasonFatal, "encode photo", err)
	}

	takenAt := p.opts.Now()
	path, _, err := createUnique(PhotoName(p.opts.Prefix, takenAt), func(name string) (string, error) {
		return p.opts.Store.Save(name, data)
	})
	if err != nil {
		return nil, camera.NewError(camera.ReasonFatal, "store photo", err)
	}
	return &Photo{
		Path:     path,
		Width:    still.Frame.Width,
		Height:   still.Frame.Height,
		Rotation: rotation,
		Size:     len(data),
		TakenAt:  takenAt,
	}, nil
}

// toJPEG encodes YUV stills and tags the orientation unless the driver
// already did.
func (p *PhotoCapture) toJPEG(still *camera.Still, rotation int) ([]byte, error) {
	f := still.Frame
	if f == nil {
		return nil, errors.New("driver returned no frame")
	}
	switch f.Format {
	case media.FormatJPEG:
	case media.FormatYUV420:
		jf, err := media.EncodeJPEG(f, PhotoQuality)
		if err != nil {
			return nil, err
		}
		f = jf
	default:
		return nil, fmt.Errorf("unsupported still format %s", f.Format)
	}
	if still.Rotated {
		return f.Data, nil
	}
	return media.WithOrientation(f.Data, rotation)
}
