package sink

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/smazurov/camnode/internal/media"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

func TestParseRTMPURL(t *testing.T) {
	tests := []struct {
		url     string
		addr    string
		app     string
		key     string
		wantErr bool
	}{
		{url: "rtmp://live.example.com/live/abc123", addr: "live.example.com:1935", app: "live", key: "abc123"},
		{url: "rtmp://10.0.0.5:1936/app/room/cam1", addr: "10.0.0.5:1936", app: "app", key: "room/cam1"},
		{url: "rtmp://host/live/key?token=x", addr: "host:1935", app: "live", key: "key?token=x"},
		{url: "http://host/live/key", wantErr: true},
		{url: "rtmp://host/live", wantErr: true},
		{url: "rtmp:///live/key", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := parseRTMPURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseRTMPURL(%q) succeeded", tt.url)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.addr != tt.addr || got.app != tt.app || got.key != tt.key {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestFLVSequenceHeaderAVC(t *testing.T) {
	ps := media.ParameterSets{SPS: h264SPS, PPS: h264PPS}
	tag, err := flvSequenceHeader(media.CodecH264, ps)
	if err != nil {
		t.Fatal(err)
	}
	if tag[0] != 0x17 || tag[1] != 0 {
		t.Fatalf("tag header = %x", tag[:5])
	}
	rec := tag[5:]
	if rec[0] != 1 || rec[1] != h264SPS[1] || rec[3] != h264SPS[3] || rec[4] != 0xFF || rec[5] != 0xE1 {
		t.Errorf("record header = %x", rec[:6])
	}
	if n := binary.BigEndian.Uint16(rec[6:]); int(n) != len(h264SPS) {
		t.Errorf("sps length = %d", n)
	}
	if !bytes.Equal(rec[8:8+len(h264SPS)], h264SPS) {
		t.Error("sps not copied")
	}

	if _, err := flvSequenceHeader(media.CodecH264, media.ParameterSets{SPS: h264SPS}); err == nil {
		t.Error("missing PPS accepted")
	}
}

func TestFLVVideoFrame(t *testing.T) {
	key := flvVideoFrame(media.CodecH264, encodedFrame(0, true))
	if key[0] != 0x17 || key[1] != 1 {
		t.Errorf("key frame header = %x", key[:5])
	}
	want := media.ToAVCC([][]byte{h264IDR})
	if !bytes.Equal(key[5:], want) {
		t.Errorf("key frame body = %x, want only the IDR slice %x", key[5:], want)
	}

	inter := flvVideoFrame(media.CodecH264, encodedFrame(1, false))
	if inter[0] != 0x27 {
		t.Errorf("inter frame header = %x", inter[0])
	}

	hevc := flvVideoFrame(media.CodecH265, &media.Frame{Data: media.JoinAnnexB([]byte{0x26, 0x01, 0xaf}), KeyFrame: true})
	if hevc[0] != 0x80|0x10|exPacketCodedFramesNoCTS || string(hevc[1:5]) != "hvc1" {
		t.Errorf("enhanced header = %x", hevc[:5])
	}
}

func TestHEVCDecoderConfig(t *testing.T) {
	// escaped SPS: emulation prevention bytes inside the constraint flags
	sps := []byte{
		0x42, 0x01, 0x01, 0x01, 0x60, 0x00, 0x00, 0x03, 0x00, 0x90,
		0x00, 0x00, 0x03, 0x00, 0x00, 0x03, 0x00, 0x5d, 0xa0, 0x02,
	}
	ps := media.ParameterSets{
		VPS: []byte{0x40, 0x01, 0x0c},
		SPS: sps,
		PPS: []byte{0x44, 0x01, 0xc1},
	}
	tag, err := flvSequenceHeader(media.CodecH265, ps)
	if err != nil {
		t.Fatal(err)
	}
	if tag[0] != 0x90 || string(tag[1:5]) != "hvc1" {
		t.Fatalf("tag header = %x", tag[:5])
	}
	rec := tag[5:]
	if rec[0] != 1 || rec[1] != 0x01 || rec[2] != 0x60 {
		t.Errorf("profile bytes = %x", rec[:3])
	}
	if rec[12] != 0x5d {
		t.Errorf("level = %x, want 5d", rec[12])
	}
	if rec[21] != 0x0F {
		t.Errorf("layers/length byte = %x, want 0f", rec[21])
	}
	if rec[22] != 3 || rec[23] != 0x80|media.H265NALVPS {
		t.Errorf("arrays = %x %x", rec[22], rec[23])
	}
	if !bytes.Contains(rec, sps) {
		t.Error("escaped SPS not carried verbatim")
	}
}

func TestUnescapeRBSP(t *testing.T) {
	got := unescapeRBSP([]byte{0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x00, 0x00, 0x03})
	want := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("unescapeRBSP = %x, want %x", got, want)
	}
}

type captureHandler struct {
	rtmp.DefaultHandler
	published chan string
	videos    chan []byte
}

func (h *captureHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	h.published <- cmd.PublishingName
	return nil
}

func (h *captureHandler) OnVideo(_ uint32, payload io.Reader) error {
	b, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	h.videos <- b
	return nil
}

func startRTMPServer(t *testing.T, h *captureHandler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: h,
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
			}
		},
	})
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr().String()
}

func TestRTMPTransportPublishes(t *testing.T) {
	h := &captureHandler{published: make(chan string, 1), videos: make(chan []byte, 8)}
	addr := startRTMPServer(t, h)

	target, err := parseRTMPURL("rtmp://" + addr + "/live/cam1")
	if err != nil {
		t.Fatal(err)
	}
	tr := &rtmpTransport{target: target}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Open(ctx, media.CodecH264); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	select {
	case name := <-h.published:
		if name != "cam1" {
			t.Errorf("published %q", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server saw no publish")
	}

	if err := tr.Send(encodedFrame(0, false)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Send(encodedFrame(int64(40*time.Millisecond), true)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Send(encodedFrame(int64(80*time.Millisecond), false)); err != nil {
		t.Fatal(err)
	}

	// the leading inter frame is skipped: nothing decodes before the header
	want := []struct{ frameType, packetType byte }{{0x17, 0}, {0x17, 1}, {0x27, 1}}
	for i, w := range want {
		select {
		case b := <-h.videos:
			if b[0] != w.frameType || b[1] != w.packetType {
				t.Errorf("tag %d header = %x %x, want %x %x", i, b[0], b[1], w.frameType, w.packetType)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("tag %d not received", i)
		}
	}
}
