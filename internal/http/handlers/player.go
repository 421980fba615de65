// Package handlers provides HTTP API handlers for abrplay.
package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/abrplay/internal/media"
	"github.com/jmylchreest/abrplay/internal/player"
)

// Controller is the subset of the player driven over the API.
type Controller interface {
	Stats() player.Stats
	Seek(ctx context.Context, at time.Duration) error
	SetQuality(kind media.TrackType, id string) error
	SetTargetBuffer(d time.Duration) error
}

// PlayerHandler handles playback control endpoints.
type PlayerHandler struct {
	player Controller
}

// NewPlayerHandler creates a new player handler.
func NewPlayerHandler(p Controller) *PlayerHandler {
	return &PlayerHandler{player: p}
}

// Register registers the player routes with the API.
func (h *PlayerHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStats",
		Method:      "GET",
		Path:        "/api/v1/stats",
		Summary:     "Get playback stats",
		Description: "Returns buffer, throughput and representation state for every track",
		Tags:        []string{"Player"},
	}, h.GetStats)

	huma.Register(api, huma.Operation{
		OperationID: "seek",
		Method:      "POST",
		Path:        "/api/v1/seek",
		Summary:     "Seek",
		Description: "Moves playback to the given position. Returns once every track has repositioned.",
		Tags:        []string{"Player"},
	}, h.Seek)

	huma.Register(api, huma.Operation{
		OperationID: "setQuality",
		Method:      "PUT",
		Path:        "/api/v1/quality",
		Summary:     "Pin a representation",
		Description: "Pins a track to one representation. An empty representation restores adaptive selection.",
		Tags:        []string{"Player"},
	}, h.SetQuality)

	huma.Register(api, huma.Operation{
		OperationID: "setBuffer",
		Method:      "PUT",
		Path:        "/api/v1/buffer",
		Summary:     "Set target buffer",
		Description: "Changes the buffered-ahead watermark",
		Tags:        []string{"Player"},
	}, h.SetBuffer)
}

// GetStatsInput is the input for the stats endpoint.
type GetStatsInput struct{}

// GetStatsOutput is the output for the stats endpoint.
type GetStatsOutput struct {
	Body player.Stats
}

// GetStats returns a snapshot of the player.
func (h *PlayerHandler) GetStats(_ context.Context, _ *GetStatsInput) (*GetStatsOutput, error) {
	return &GetStatsOutput{Body: h.player.Stats()}, nil
}

// SeekInput is the input for the seek endpoint.
type SeekInput struct {
	Body struct {
		Position float64 `json:"position" minimum:"0" doc:"Target position in seconds"`
	}
}

// SeekOutput is the output for the seek endpoint.
type SeekOutput struct {
	Body ControlResponse
}

// Seek moves playback to the requested position.
func (h *PlayerHandler) Seek(ctx context.Context, input *SeekInput) (*SeekOutput, error) {
	at := time.Duration(input.Body.Position * float64(time.Second))
	if err := h.player.Seek(ctx, at); err != nil {
		return nil, playerError(err)
	}
	return &SeekOutput{Body: h.response("seeked")}, nil
}

// SetQualityInput is the input for the quality endpoint.
type SetQualityInput struct {
	Body struct {
		Track          string `json:"track" enum:"video,audio" doc:"Track to pin"`
		Representation string `json:"representation" required:"false" doc:"Representation id, empty for automatic selection"`
	}
}

// SetQualityOutput is the output for the quality endpoint.
type SetQualityOutput struct {
	Body ControlResponse
}

// SetQuality pins or unpins a track's representation.
func (h *PlayerHandler) SetQuality(_ context.Context, input *SetQualityInput) (*SetQualityOutput, error) {
	kind, err := media.ParseTrackType(input.Body.Track)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid track", err)
	}
	if err := h.player.SetQuality(kind, input.Body.Representation); err != nil {
		return nil, playerError(err)
	}
	msg := "quality pinned"
	if input.Body.Representation == "" {
		msg = "adaptive selection restored"
	}
	return &SetQualityOutput{Body: h.response(msg)}, nil
}

// SetBufferInput is the input for the buffer endpoint.
type SetBufferInput struct {
	Body struct {
		TargetBuffer float64 `json:"target_buffer" exclusiveMinimum:"0" doc:"Buffered-ahead watermark in seconds"`
	}
}

// SetBufferOutput is the output for the buffer endpoint.
type SetBufferOutput struct {
	Body ControlResponse
}

// SetBuffer changes the buffered-ahead watermark.
func (h *PlayerHandler) SetBuffer(_ context.Context, input *SetBufferInput) (*SetBufferOutput, error) {
	d := time.Duration(input.Body.TargetBuffer * float64(time.Second))
	if err := h.player.SetTargetBuffer(d); err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	return &SetBufferOutput{Body: h.response("target buffer updated")}, nil
}

func (h *PlayerHandler) response(msg string) ControlResponse {
	stats := h.player.Stats()
	return ControlResponse{
		Success:  true,
		Message:  msg,
		State:    string(stats.State),
		Session:  stats.Session,
		Position: stats.Position.Seconds(),
	}
}

// playerError maps player errors onto HTTP status codes.
func playerError(err error) error {
	switch {
	case errors.Is(err, player.ErrSeekOutOfRange):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, player.ErrUnknownTrack), errors.Is(err, player.ErrUnknownRepresentation):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, player.ErrNotRunning), errors.Is(err, player.ErrClosed), errors.Is(err, player.ErrSeekSuperseded):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return huma.Error503ServiceUnavailable(err.Error())
	default:
		return huma.Error500InternalServerError("player error", err)
	}
}
