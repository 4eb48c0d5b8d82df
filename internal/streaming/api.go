package streaming

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// WebRTCOfferInput is the request body for WebRTC signaling.
type WebRTCOfferInput struct {
	StreamID string `query:"stream" required:"true" doc:"RTSP sink path to view"`
	RawBody  []byte `contentType:"application/sdp" doc:"SDP offer from browser"`
}

// WebRTCAnswerOutput is the response body for WebRTC signaling.
type WebRTCAnswerOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

// StreamListOutput is the response for listing published streams.
type StreamListOutput struct {
	Body struct {
		Streams []string `json:"streams" doc:"Paths with a running RTSP sink"`
	}
}

// RegisterWebRTCAPI registers WebRTC signaling endpoints with the Huma API.
func RegisterWebRTCAPI(api huma.API, webrtcManager *WebRTCManager, security []map[string][]string) {
	huma.Register(api, huma.Operation{
		OperationID: "webrtc-offer",
		Method:      http.MethodPost,
		Path:        "/api/webrtc",
		Summary:     "WebRTC signaling",
		Description: "Exchange SDP offer/answer to view an RTSP sink track in the browser",
		Tags:        []string{"streaming"},
		Security:    security,
		Errors:      []int{400, 401, 404},
	}, func(_ context.Context, input *WebRTCOfferInput) (*WebRTCAnswerOutput, error) {
		answer, err := webrtcManager.CreateConsumer(input.StreamID, string(input.RawBody))
		if errors.Is(err, ErrStreamNotFound) {
			return nil, huma.Error404NotFound("stream not found", err)
		}
		if err != nil {
			return nil, huma.Error400BadRequest("WebRTC negotiation failed", err)
		}
		return &WebRTCAnswerOutput{
			ContentType: "application/sdp",
			Body:        []byte(answer),
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-live-streams",
		Method:      http.MethodGet,
		Path:        "/api/streams/live",
		Summary:     "List live streams",
		Description: "Returns the RTSP paths that currently have a publisher",
		Tags:        []string{"streaming"},
		Security:    security,
	}, func(_ context.Context, _ *struct{}) (*StreamListOutput, error) {
		out := &StreamListOutput{}
		out.Body.Streams = webrtcManager.hub.ListStreams()
		return out, nil
	})
}
