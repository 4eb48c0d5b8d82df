package sink

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/smazurov/camnode/internal/encoder"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/session"
	"github.com/smazurov/camnode/internal/version"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

const (
	rtmpDefaultPort    = "1935"
	rtmpChunkSize      = 4096
	rtmpVideoChunkID   = 6
	rtmpPublishType    = "live"
	rtmpConnectionType = "nonprivate"
)

// RTMPOptions configures an RTMP broadcast sink.
type RTMPOptions struct {
	// URL is rtmp://host[:port]/app/streamKey.
	URL        string
	NewEncoder encoder.Factory
	QueueSize  int
}

// RTMP publishes the encoded stream to a remote RTMP server.
type RTMP struct {
	*EncodedPipeline
}

// NewRTMP creates an idle RTMP sink. The URL is validated here so a bad
// configuration is reported before any camera work.
func NewRTMP(env Env, opts RTMPOptions) (*RTMP, error) {
	target, err := parseRTMPURL(opts.URL)
	if err != nil {
		return nil, err
	}
	s := &RTMP{}
	s.EncodedPipeline = NewEncodedPipeline(env, EncodedOptions{
		Kind:       KindRTMP,
		Purpose:    session.PurposeStream,
		NewEncoder: opts.NewEncoder,
		Transport:  &rtmpTransport{target: target},
		QueueSize:  opts.QueueSize,
	})
	return s, nil
}

type rtmpTarget struct {
	addr  string
	app   string
	key   string
	tcURL string
}

func parseRTMPURL(raw string) (rtmpTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return rtmpTarget{}, fmt.Errorf("invalid rtmp url: %w", err)
	}
	if u.Scheme != "rtmp" {
		return rtmpTarget{}, fmt.Errorf("invalid rtmp url %q: scheme must be rtmp", raw)
	}
	if u.Hostname() == "" {
		return rtmpTarget{}, fmt.Errorf("invalid rtmp url %q: missing host", raw)
	}
	port := u.Port()
	if port == "" {
		port = rtmpDefaultPort
	}
	app, key, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if app == "" || key == "" {
		return rtmpTarget{}, fmt.Errorf("invalid rtmp url %q: expected /app/streamKey", raw)
	}
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	addr := net.JoinHostPort(u.Hostname(), port)
	return rtmpTarget{
		addr:  addr,
		app:   app,
		key:   key,
		tcURL: "rtmp://" + addr + "/" + app,
	}, nil
}

type rtmpTransport struct {
	target rtmpTarget

	mu     sync.Mutex
	client *rtmp.ClientConn
	stream *rtmp.Stream

	// worker-owned
	codec    media.Codec
	ps       media.ParameterSets
	sentSeq  bool
	baseTS   int64
	haveBase bool
}

func (t *rtmpTransport) Open(ctx context.Context, codec media.Codec) error {
	type result struct {
		client *rtmp.ClientConn
		stream *rtmp.Stream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		c, s, err := t.connect()
		ch <- result{c, s, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}

	t.codec = codec
	t.ps = media.ParameterSets{}
	t.sentSeq = false
	t.haveBase = false

	t.mu.Lock()
	t.client, t.stream = r.client, r.stream
	t.mu.Unlock()
	return nil
}

func (t *rtmpTransport) connect() (*rtmp.ClientConn, *rtmp.Stream, error) {
	client, err := rtmp.Dial("rtmp", t.target.addr, &rtmp.ConnConfig{})
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", t.target.addr, err)
	}
	err = client.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      t.target.app,
			Type:     rtmpConnectionType,
			FlashVer: "FMLE/3.0 (compatible; " + version.UserAgent() + ")",
			TCURL:    t.target.tcURL,
		},
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect app %s: %w", t.target.app, err)
	}
	stream, err := client.CreateStream(nil, rtmpChunkSize)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("create stream: %w", err)
	}
	err = stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: t.target.key,
		PublishingType: rtmpPublishType,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("publish: %w", err)
	}
	return client, stream, nil
}

func (t *rtmpTransport) Send(f *media.Frame) error {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return ErrNotRunning
	}
	if !t.haveBase {
		t.baseTS = f.Timestamp
		t.haveBase = true
	}
	ts := uint32((f.Timestamp - t.baseTS) / 1e6)

	if f.KeyFrame {
		ps := media.ExtractParameterSets(t.codec, f.Data)
		if ps.Complete(t.codec) && (!t.sentSeq || !ps.Equal(t.ps)) {
			hdr, err := flvSequenceHeader(t.codec, ps)
			if err != nil {
				return err
			}
			if err := writeVideo(stream, ts, hdr); err != nil {
				return err
			}
			t.ps = ps
			t.sentSeq = true
		}
	}
	if !t.sentSeq {
		// nothing decodable until the decoder configuration went out
		return nil
	}
	return writeVideo(stream, ts, flvVideoFrame(t.codec, f))
}

func writeVideo(stream *rtmp.Stream, ts uint32, body []byte) error {
	return stream.Write(rtmpVideoChunkID, ts, &rtmpmsg.VideoMessage{Payload: bytes.NewReader(body)})
}

// Close unblocks a Send waiting on the network.
func (t *rtmpTransport) Close() error {
	t.mu.Lock()
	client := t.client
	t.client, t.stream = nil, nil
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}
