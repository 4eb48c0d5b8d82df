package streaming

import (
	"github.com/pion/rtp"
	"github.com/smazurov/camnode/internal/media"
)

// h264StreamHandler forwards H.264 RTP packets without reassembly. For
// late-joining viewers it injects the publisher's cached SPS/PPS before
// every IDR that did not carry them in-band.
type h264StreamHandler struct {
	handler     func(*rtp.Packet)
	paramSets   func() media.ParameterSets
	payloadType uint8
	sentPS      bool // parameter sets seen or injected since the last IDR
}

func newH264StreamHandler(payloadType uint8, paramSets func() media.ParameterSets, handler func(*rtp.Packet)) *h264StreamHandler {
	return &h264StreamHandler{
		handler:     handler,
		paramSets:   paramSets,
		payloadType: payloadType,
	}
}

func (h *h264StreamHandler) handlePacket(packet *rtp.Packet) {
	if len(packet.Payload) == 0 {
		return
	}

	switch nalType := packet.Payload[0] & 0x1F; nalType {
	case media.H264NALSPS, media.H264NALPPS:
		h.sentPS = true
	case 24: // STAP-A
		if stapAContainsPS(packet.Payload) {
			h.sentPS = true
		}
	case media.H264NALIDR:
		h.beforeIDR(packet)
	case 28: // FU-A
		if len(packet.Payload) >= 2 {
			fuHeader := packet.Payload[1]
			if fuHeader&0x80 != 0 && fuHeader&0x1F == media.H264NALIDR {
				h.beforeIDR(packet)
			}
		}
	}

	h.handler(packet)
}

func (h *h264StreamHandler) beforeIDR(packet *rtp.Packet) {
	if !h.sentPS {
		h.injectParameterSets(packet)
	}
	h.sentPS = false
}

// stapAContainsPS checks if a STAP-A packet aggregates an SPS or PPS.
func stapAContainsPS(payload []byte) bool {
	offset := 1
	for offset+2 <= len(payload) {
		nalSize := int(payload[offset])<<8 | int(payload[offset+1])
		offset += 2
		if offset+nalSize > len(payload) || nalSize == 0 {
			break
		}
		if t := payload[offset] & 0x1F; t == media.H264NALSPS || t == media.H264NALPPS {
			return true
		}
		offset += nalSize
	}
	return false
}

func (h *h264StreamHandler) injectParameterSets(template *rtp.Packet) {
	if h.paramSets == nil {
		return
	}
	ps := h.paramSets()
	if len(ps.SPS) > 0 {
		h.sendNAL(template, ps.SPS)
	}
	if len(ps.PPS) > 0 {
		h.sendNAL(template, ps.PPS)
	}
	h.sentPS = true
}

func (h *h264StreamHandler) sendNAL(template *rtp.Packet, nal []byte) {
	h.handler(&rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: h.payloadType,
			Timestamp:   template.Timestamp,
			SSRC:        template.SSRC,
		},
		Payload: nal,
	})
}
