package streaming

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/smazurov/camnode/internal/media"
)

const (
	// RTPMTU leaves room for RTSP interleaving and SRTP overhead.
	RTPMTU = 1200

	videoClockRate   = 90000
	videoPayloadType = 96
)

// Publisher is an in-process track on the hub. Encoded frames written to it
// are packetized into RTP and fanned out to every wired RTSP or WebRTC
// consumer through a go2rtc receiver.
type Publisher struct {
	path     string
	codec    media.Codec
	receiver *core.Receiver

	onKeyFrame func()

	mu         sync.Mutex
	packetizer rtp.Packetizer
	lastTS     int64
	started    bool
	paramSets  media.ParameterSets
	consumers  []core.Consumer
	frames     uint64
}

func newPublisher(path string, codec media.Codec, onKeyFrame func()) *Publisher {
	c := &core.Codec{
		Name:        core.CodecH264,
		ClockRate:   videoClockRate,
		PayloadType: videoPayloadType,
		FmtpLine:    "packetization-mode=1",
	}
	var payloader rtp.Payloader = &codecs.H264Payloader{}
	if codec == media.CodecH265 {
		c.Name = core.CodecH265
		c.FmtpLine = ""
		payloader = &codecs.H265Payloader{}
	}
	m := &core.Media{
		Kind:      core.KindVideo,
		Direction: core.DirectionRecvonly,
		Codecs:    []*core.Codec{c},
	}
	return &Publisher{
		path:       path,
		codec:      codec,
		receiver:   core.NewReceiver(m, c),
		onKeyFrame: onKeyFrame,
		packetizer: rtp.NewPacketizer(RTPMTU, videoPayloadType, rand.Uint32(), payloader, rtp.NewRandomSequencer(), videoClockRate),
	}
}

// Path returns the RTSP path the publisher is served on, without the
// leading slash.
func (p *Publisher) Path() string { return p.path }

// Codec returns the elementary stream codec.
func (p *Publisher) Codec() media.Codec { return p.codec }

// Frames returns the number of frames written so far.
func (p *Publisher) Frames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// ParameterSets returns the most recent complete parameter sets seen in
// the stream.
func (p *Publisher) ParameterSets() media.ParameterSets {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paramSets
}

// WriteFrame packetizes one encoded access unit. Frames must arrive in
// decode order with monotonic timestamps.
func (p *Publisher) WriteFrame(f *media.Frame) int {
	p.mu.Lock()
	if f.KeyFrame {
		if ps := media.ExtractParameterSets(p.codec, f.Data); ps.Complete(p.codec) {
			p.paramSets = ps
		}
	}
	if p.started {
		if delta := f.Timestamp - p.lastTS; delta > 0 {
			p.packetizer.SkipSamples(uint32(delta * videoClockRate / int64(time.Second)))
		}
	}
	p.started = true
	p.lastTS = f.Timestamp
	packets := p.packetizer.Packetize(f.Data, 0)
	p.frames++
	p.mu.Unlock()

	n := 0
	for _, pkt := range packets {
		n += pkt.MarshalSize()
		p.receiver.Input(pkt)
	}
	return n
}

// RequestKeyFrame asks the encoder behind the publisher for an IDR.
func (p *Publisher) RequestKeyFrame() {
	if p.onKeyFrame != nil {
		p.onKeyFrame()
	}
}

func (p *Publisher) addConsumer(c core.Consumer) {
	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()
}

func (p *Publisher) removeConsumer(c core.Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.consumers {
		if existing == c {
			p.consumers = append(p.consumers[:i], p.consumers[i+1:]...)
			return
		}
	}
}

// stop disconnects every consumer wired to the publisher.
func (p *Publisher) stop() {
	p.mu.Lock()
	consumers := p.consumers
	p.consumers = nil
	p.mu.Unlock()
	for _, c := range consumers {
		_ = c.Stop()
	}
}
