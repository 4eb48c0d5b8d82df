package streaming

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/pion/rtp"
	"github.com/smazurov/camnode/internal/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	h264SPS = []byte{0x67, 0x42, 0x00, 0x1f, 0xe9}
	h264PPS = []byte{0x68, 0xce, 0x3c, 0x80}
	h264IDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
)

func keyFrame(ts time.Duration) *media.Frame {
	return &media.Frame{
		Data:      media.JoinAnnexB(h264SPS, h264PPS, h264IDR),
		Format:    media.FormatH264,
		Timestamp: int64(ts),
		KeyFrame:  true,
	}
}

// fakeConsumer plays the role of an RTSP DESCRIBE client: no medias of its
// own, it takes the published track.
type fakeConsumer struct {
	packets chan *rtp.Packet
	sender  *core.Sender
	stopped bool
}

func (c *fakeConsumer) GetMedias() []*core.Media { return nil }

func (c *fakeConsumer) AddTrack(m *core.Media, codec *core.Codec, track *core.Receiver) error {
	c.sender = core.NewSender(m, codec)
	c.sender.Handler = func(pkt *rtp.Packet) {
		select {
		case c.packets <- pkt:
		default:
		}
	}
	c.sender.HandleRTP(track)
	return nil
}

func (c *fakeConsumer) Stop() error {
	c.stopped = true
	if c.sender != nil {
		c.sender.Close()
	}
	return nil
}

func TestHubPublishAndWire(t *testing.T) {
	hub := NewHub(testLogger())
	keyFrames := make(chan struct{}, 1)
	pub, err := hub.AddPublisher("cam", media.CodecH264, func() { keyFrames <- struct{}{} })
	if err != nil {
		t.Fatalf("AddPublisher: %v", err)
	}
	if _, err := hub.AddPublisher("cam", media.CodecH264, nil); !errors.Is(err, ErrPathInUse) {
		t.Errorf("duplicate AddPublisher = %v", err)
	}

	cons := &fakeConsumer{packets: make(chan *rtp.Packet, 64)}
	if err := hub.WireConsumer("cam", cons); err != nil {
		t.Fatalf("WireConsumer: %v", err)
	}
	if err := hub.WireConsumer("missing", cons); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("WireConsumer(missing) = %v", err)
	}

	pub.WriteFrame(keyFrame(0))
	select {
	case pkt := <-cons.packets:
		if pkt.PayloadType != videoPayloadType {
			t.Errorf("payload type = %d", pkt.PayloadType)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer received no packets")
	}
	if ps := pub.ParameterSets(); !ps.Complete(media.CodecH264) {
		t.Error("parameter sets not cached from key frame")
	}

	hub.RequestKeyFrame("cam")
	select {
	case <-keyFrames:
	default:
		t.Error("key frame request not forwarded")
	}

	if got := hub.ListStreams(); len(got) != 1 || got[0] != "cam" {
		t.Errorf("ListStreams = %v", got)
	}

	removed := make(chan string, 1)
	hub.SetOnPublisherRemoved(func(id string) { removed <- id })
	hub.RemovePublisher(pub)
	if !cons.stopped {
		t.Error("consumer not stopped with its publisher")
	}
	select {
	case id := <-removed:
		if id != "cam" {
			t.Errorf("removed %q", id)
		}
	case <-time.After(time.Second):
		t.Error("removal callback not called")
	}
	if hub.HasPublisher("cam") {
		t.Error("publisher still listed")
	}
}

func TestPublisherTimestampsFollowFrames(t *testing.T) {
	hub := NewHub(testLogger())
	pub, err := hub.AddPublisher("ts", media.CodecH264, nil)
	if err != nil {
		t.Fatal(err)
	}
	cons := &fakeConsumer{packets: make(chan *rtp.Packet, 64)}
	if err := hub.WireConsumer("ts", cons); err != nil {
		t.Fatal(err)
	}

	pub.WriteFrame(keyFrame(0))
	pub.WriteFrame(keyFrame(100 * time.Millisecond))

	first := <-cons.packets
	var second *rtp.Packet
	timeout := time.After(time.Second)
	for second == nil {
		select {
		case pkt := <-cons.packets:
			if pkt.Timestamp != first.Timestamp {
				second = pkt
			}
		case <-timeout:
			t.Fatal("second frame never arrived")
		}
	}

	if delta := second.Timestamp - first.Timestamp; delta != 9000 {
		t.Errorf("timestamp delta = %d, want 9000 for 100ms", delta)
	}
	if pub.Frames() != 2 {
		t.Errorf("Frames = %d", pub.Frames())
	}
}

func TestICEServersFromURLs(t *testing.T) {
	got := ICEServersFromURLs([]string{"stun:stun.l.google.com:19302", ""})
	if len(got) != 1 || got[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("ICEServersFromURLs = %+v", got)
	}
}
