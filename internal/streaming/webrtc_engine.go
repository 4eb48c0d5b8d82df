package streaming

import (
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"

	"github.com/smazurov/camnode/internal/metrics"
)

// NACKBufferSize is the number of sent packets kept for retransmission,
// about 1.8 s of a 50 Mbit/s stream.
const NACKBufferSize = 8192

// SRTPReplayProtectionWindow must cover NACKBufferSize.
const SRTPReplayProtectionWindow = 10000

// videoFeedback is advertised for every published codec.
var videoFeedback = []pion.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

// NewWebRTCAPI builds the pion API for one viewer of path. onKeyFrame runs
// for every PLI or FIR the viewer sends.
func NewWebRTCAPI(path string, onKeyFrame func()) (*pion.API, error) {
	engine, err := newMediaEngine()
	if err != nil {
		return nil, err
	}
	registry, err := newInterceptors(engine)
	if err != nil {
		return nil, err
	}
	registry.Add(&feedbackInterceptorFactory{path: path, onKeyFrame: onKeyFrame})

	var settings pion.SettingEngine
	settings.SetDTLSInsecureSkipHelloVerify(true)
	settings.SetSRTPReplayProtectionWindow(SRTPReplayProtectionWindow)

	return pion.NewAPI(
		pion.WithMediaEngine(engine),
		pion.WithInterceptorRegistry(registry),
		pion.WithSettingEngine(settings),
	), nil
}

// newMediaEngine registers the H.264 profiles ffmpeg encoders emit and
// H.265. Browsers negotiate down to the first entry they support.
func newMediaEngine() (*pion.MediaEngine, error) {
	engine := &pion.MediaEngine{}
	codecs := []pion.RTPCodecParameters{
		h264Codec("640028", 96),
		h264Codec("64001f", 97),
		h264Codec("42e01f", 98),
		h264Codec("42001f", 99),
		{
			RTPCodecCapability: pion.RTPCodecCapability{
				MimeType:     pion.MimeTypeH265,
				ClockRate:    90000,
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 103,
		},
	}
	for _, c := range codecs {
		if err := engine.RegisterCodec(c, pion.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

func h264Codec(profile string, pt pion.PayloadType) pion.RTPCodecParameters {
	return pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=" + profile,
			RTCPFeedback: videoFeedback,
		},
		PayloadType: pt,
	}
}

// newInterceptors wires NACK with an enlarged responder buffer, RTCP
// reports, stats and TWCC.
func newInterceptors(engine *pion.MediaEngine) (*interceptor.Registry, error) {
	registry := &interceptor.Registry{}

	responder, err := nack.NewResponderInterceptor(nack.ResponderSize(NACKBufferSize))
	if err != nil {
		return nil, err
	}
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, err
	}
	engine.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeVideo)
	engine.RegisterFeedback(pion.RTCPFeedback{Type: "nack", Parameter: "pli"}, pion.RTPCodecTypeVideo)
	registry.Add(responder)
	registry.Add(generator)

	receiverReports, err := report.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	senderReports, err := report.NewSenderInterceptor()
	if err != nil {
		return nil, err
	}
	registry.Add(receiverReports)
	registry.Add(senderReports)

	statsFactory, err := stats.NewInterceptor()
	if err != nil {
		return nil, err
	}
	registry.Add(statsFactory)

	engine.RegisterFeedback(pion.RTCPFeedback{Type: pion.TypeRTCPFBTransportCC}, pion.RTPCodecTypeVideo)
	twccSender, err := twcc.NewSenderInterceptor()
	if err != nil {
		return nil, err
	}
	registry.Add(twccSender)

	return registry, nil
}

// countFeedback records viewer RTCP on path and reports whether any
// packet asks for a key frame.
func countFeedback(path string, packets []rtcp.Packet) (wantKeyFrame bool) {
	metrics.IncWebRTCFeedback(path, metrics.FeedbackRTCP, len(packets))
	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *rtcp.TransportLayerNack:
			lost := 0
			for _, pair := range p.Nacks {
				lost += len(pair.PacketList())
			}
			metrics.IncWebRTCFeedback(path, metrics.FeedbackNACK, lost)
		case *rtcp.PictureLossIndication:
			metrics.IncWebRTCFeedback(path, metrics.FeedbackPLI, 1)
			wantKeyFrame = true
		case *rtcp.FullIntraRequest:
			metrics.IncWebRTCFeedback(path, metrics.FeedbackFIR, 1)
			wantKeyFrame = true
		}
	}
	return wantKeyFrame
}

type feedbackInterceptorFactory struct {
	path       string
	onKeyFrame func()
}

func (f *feedbackInterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &feedbackInterceptor{path: f.path, onKeyFrame: f.onKeyFrame}, nil
}

// feedbackInterceptor watches incoming RTCP without altering it.
type feedbackInterceptor struct {
	interceptor.NoOp
	path       string
	onKeyFrame func()
}

func (f *feedbackInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, attr, err := reader.Read(b, a)
		if err != nil {
			return n, attr, err
		}
		packets, perr := rtcp.Unmarshal(b[:n])
		if perr == nil && countFeedback(f.path, packets) && f.onKeyFrame != nil {
			f.onKeyFrame()
		}
		return n, attr, nil
	})
}
