package streaming

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/AlexxIT/go2rtc/pkg/webrtc"
	"github.com/pion/rtp"
	"github.com/smazurov/camnode/internal/media"
	"github.com/smazurov/camnode/internal/metrics"
)

var (
	// ErrStreamNotFound is returned when a requested stream doesn't exist.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrPathInUse is returned when a second publisher claims a path.
	ErrPathInUse = errors.New("stream path already published")
)

// Hub manages in-process publishers and routes consumers to them.
// Publishers are RTSP sinks feeding encoded frames.
// Consumers are RTSP clients (DESCRIBE) or WebRTC peers.
type Hub struct {
	publishers         map[string]*Publisher
	mu                 sync.RWMutex
	logger             *slog.Logger
	onPublisherRemoved func(streamID string)
}

// NewHub creates a new stream hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		publishers: make(map[string]*Publisher),
		logger:     logger,
	}
}

// SetOnPublisherRemoved sets the callback invoked when a publisher goes
// away, so WebRTC viewers can be told to reconnect.
func (h *Hub) SetOnPublisherRemoved(callback func(streamID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPublisherRemoved = callback
}

// AddPublisher registers a track on path. onKeyFrame is called when a
// viewer asks for a key frame.
func (h *Hub) AddPublisher(path string, codec media.Codec, onKeyFrame func()) (*Publisher, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.publishers[path]; ok {
		return nil, ErrPathInUse
	}
	p := newPublisher(path, codec, onKeyFrame)
	h.publishers[path] = p
	h.logger.Info("Publisher added", "stream_id", path, "codec", codec)
	return p, nil
}

// RemovePublisher removes p from the hub and disconnects its consumers.
func (h *Hub) RemovePublisher(p *Publisher) {
	h.mu.Lock()
	var callback func(streamID string)
	if cur, ok := h.publishers[p.path]; ok && cur == p {
		delete(h.publishers, p.path)
		callback = h.onPublisherRemoved
		h.logger.Info("Publisher removed", "stream_id", p.path)
	}
	h.mu.Unlock()

	p.stop()

	// after unlock: the callback takes the WebRTC manager lock
	if callback != nil {
		go callback(p.path)
	}
}

// Publisher returns the publisher for a stream ID.
func (h *Hub) Publisher(streamID string) *Publisher {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.publishers[streamID]
}

// HasPublisher checks if a publisher exists for the given stream ID.
func (h *Hub) HasPublisher(streamID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.publishers[streamID]
	return ok
}

// RequestKeyFrame forwards a key frame request to the publisher of streamID.
func (h *Hub) RequestKeyFrame(streamID string) {
	if p := h.Publisher(streamID); p != nil {
		p.RequestKeyFrame()
	}
}

// WireConsumer connects a consumer to a publisher's track.
func (h *Hub) WireConsumer(streamID string, cons core.Consumer) error {
	h.mu.RLock()
	pub := h.publishers[streamID]
	h.mu.RUnlock()

	if pub == nil {
		return ErrStreamNotFound
	}
	receiver := pub.receiver

	consumerMedias := cons.GetMedias()
	h.logger.Debug("WireConsumer", "stream_id", streamID, "consumer_medias_count", len(consumerMedias))

	// RTSP playback: the consumer takes the track as published
	if len(consumerMedias) == 0 {
		m := &core.Media{
			Kind:      core.GetKind(receiver.Codec.Name),
			Direction: core.DirectionRecvonly,
			Codecs:    []*core.Codec{receiver.Codec},
		}
		if err := cons.AddTrack(m, receiver.Codec, receiver); err != nil {
			return err
		}
		pub.addConsumer(cons)
		return nil
	}

	webrtcConn, isWebRTC := cons.(*webrtc.Conn)

	var matchedMedia *core.Media
	for _, m := range consumerMedias {
		if m.Kind == core.KindVideo && m.Direction == core.DirectionSendonly {
			matchedMedia = m
			break
		}
	}
	if matchedMedia == nil {
		return ErrStreamNotFound
	}

	var consumerCodec *core.Codec
	for _, c := range matchedMedia.Codecs {
		if c.Name == receiver.Codec.Name {
			consumerCodec = c
			break
		}
	}
	if consumerCodec == nil {
		h.logger.Warn("No matching codec", "stream_id", streamID, "codec", receiver.Codec.Name)
		return ErrStreamNotFound
	}

	var senderCountBefore int
	if isWebRTC {
		senderCountBefore = len(webrtcConn.Senders)
	}

	if err := cons.AddTrack(matchedMedia, consumerCodec, receiver); err != nil {
		return err
	}
	pub.addConsumer(cons)

	// H264 RTP passthrough: forward our packets as-is and inject cached
	// SPS/PPS ahead of every IDR for late joiners
	if isWebRTC && receiver.Codec.Name == core.CodecH264 && len(webrtcConn.Senders) > senderCountBefore {
		sender := webrtcConn.Senders[len(webrtcConn.Senders)-1]
		localTrack := webrtcConn.GetSenderTrack(matchedMedia.ID)
		payloadType := consumerCodec.PayloadType

		if localTrack != nil {
			streamHandler := newH264StreamHandler(payloadType, pub.ParameterSets, func(packet *rtp.Packet) {
				size := packet.MarshalSize()
				webrtcConn.Send += size
				metrics.AddWebRTCSent(streamID, size)
				_ = localTrack.WriteRTP(payloadType, packet)
			})
			sender.Handler = streamHandler.handlePacket
		}
	}

	return nil
}

// UnwireConsumer forgets cons once its connection ended.
func (h *Hub) UnwireConsumer(streamID string, cons core.Consumer) {
	if p := h.Publisher(streamID); p != nil {
		p.removeConsumer(cons)
	}
}

// ListStreams returns the published stream IDs, sorted.
func (h *Hub) ListStreams() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	streams := make([]string, 0, len(h.publishers))
	for id := range h.publishers {
		streams = append(streams, id)
	}
	sort.Strings(streams)
	return streams
}

// Stop removes every publisher.
func (h *Hub) Stop() {
	h.mu.Lock()
	pubs := make([]*Publisher, 0, len(h.publishers))
	for id, p := range h.publishers {
		pubs = append(pubs, p)
		delete(h.publishers, id)
	}
	h.mu.Unlock()

	for _, p := range pubs {
		p.stop()
	}
	h.logger.Info("Hub stopped")
}
