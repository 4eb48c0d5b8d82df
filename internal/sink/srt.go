package sink

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/asticode/go-astits"
	srt "github.com/datarhei/gosrt"
	"github.com/smazurov/camnode/internal/encoder"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/session"
)

const (
	tsVideoPID     = 0x100
	tsPacketSize   = 188
	srtPayloadSize = 7 * tsPacketSize
	pesVideoStream = 0xE0
	// keeps PTS positive for decoders that dislike zero
	tsClockOffset = 90000
)

// SRTOptions configures an SRT broadcast sink.
type SRTOptions struct {
	// URL is srt://host:port?streamid=...; other query keys are SRT
	// socket options.
	URL        string
	NewEncoder encoder.Factory
	QueueSize  int
}

// SRT pushes the encoded stream as MPEG-TS to a remote SRT listener in
// caller mode.
type SRT struct {
	*EncodedPipeline
}

// NewSRT creates an idle SRT sink.
func NewSRT(env Env, opts SRTOptions) (*SRT, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid srt url: %w", err)
	}
	if u.Scheme != "srt" || u.Port() == "" {
		return nil, fmt.Errorf("invalid srt url %q: expected srt://host:port", opts.URL)
	}
	s := &SRT{}
	s.EncodedPipeline = NewEncodedPipeline(env, EncodedOptions{
		Kind:       KindSRT,
		Purpose:    session.PurposeStream,
		NewEncoder: opts.NewEncoder,
		Transport:  &srtTransport{url: opts.URL},
		QueueSize:  opts.QueueSize,
	})
	return s, nil
}

type srtTransport struct {
	url string

	mu   sync.Mutex
	conn srt.Conn

	ts *tsWriter // worker-owned
}

func (t *srtTransport) Open(ctx context.Context, codec media.Codec) error {
	cfg := srt.DefaultConfig()
	addr, err := cfg.UnmarshalURL(t.url)
	if err != nil {
		return fmt.Errorf("srt options: %w", err)
	}

	ch := make(chan error, 1)
	var conn srt.Conn
	go func() {
		c, err := srt.Dial("srt", addr, cfg)
		conn = c
		ch <- err
	}()
	select {
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
	case <-ctx.Done():
		go func() {
			if err := <-ch; err == nil {
				_ = conn.Close()
			}
		}()
		return ctx.Err()
	}

	ts, err := newTSWriter(conn, codec)
	if err != nil {
		_ = conn.Close()
		return err
	}
	t.ts = ts
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *srtTransport) Send(f *media.Frame) error {
	t.mu.Lock()
	open := t.conn != nil
	t.mu.Unlock()
	if !open {
		return ErrNotRunning
	}
	return t.ts.writeFrame(f)
}

func (t *srtTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// tsWriter muxes encoded frames into MPEG-TS and writes it out in
// SRT-sized payloads, flushing at every frame boundary.
type tsWriter struct {
	codec  media.Codec
	mux    *astits.Muxer
	out    *chunkWriter
	baseTS int64
	based  bool
}

func newTSWriter(w io.Writer, codec media.Codec) (*tsWriter, error) {
	out := &chunkWriter{w: w, size: srtPayloadSize}
	mux := astits.NewMuxer(context.Background(), out)
	streamType := astits.StreamTypeH264Video
	if codec == media.CodecH265 {
		streamType = astits.StreamTypeH265Video
	}
	if err := mux.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: tsVideoPID,
		StreamType:    streamType,
	}); err != nil {
		return nil, fmt.Errorf("add ts stream: %w", err)
	}
	mux.SetPCRPID(tsVideoPID)
	return &tsWriter{codec: codec, mux: mux, out: out}, nil
}

func (t *tsWriter) writeFrame(f *media.Frame) error {
	if !t.based {
		t.baseTS = f.Timestamp
		t.based = true
	}
	ticks := (f.Timestamp-t.baseTS)*90000/1e9 + tsClockOffset
	clock := &astits.ClockReference{Base: ticks}

	_, err := t.mux.WriteData(&astits.MuxerData{
		PID: tsVideoPID,
		AdaptationField: &astits.PacketAdaptationField{
			RandomAccessIndicator: f.KeyFrame,
			HasPCR:                true,
			PCR:                   clock,
		},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             clock,
				},
				StreamID: pesVideoStream,
			},
			Data: f.Data,
		},
	})
	if err != nil {
		return err
	}
	return t.out.Flush()
}

// chunkWriter groups writes into payloads of at most size bytes.
type chunkWriter struct {
	w    io.Writer
	size int
	buf  []byte
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		room := c.size - len(c.buf)
		take := min(room, len(p))
		c.buf = append(c.buf, p[:take]...)
		p = p[take:]
		if len(c.buf) == c.size {
			if err := c.Flush(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

// Flush writes any buffered partial payload.
func (c *chunkWriter) Flush() error {
	if len(c.buf) == 0 {
		return nil
	}
	_, err := c.w.Write(c.buf)
	c.buf = c.buf[:0]
	return err
}
