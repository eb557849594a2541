package protocol

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/companion-console/console/internal/errors"
	"github.com/companion-console/console/internal/interfaces"
)

// Chat sends one message through POST /chat and returns the companion's reply
func (c *Client) Chat(ctx context.Context, message string) (*interfaces.ChatReply, error) {
	if err := ValidateMessage(message); err != nil {
		return nil, err
	}

	var resp ChatResponse
	if err := c.executeJSONRequest(ctx, http.MethodPost, EndpointChat, ChatRequest{Message: message}, &resp); err != nil {
		return nil, err
	}

	if err := c.validateChatResponse(&resp); err != nil {
		return nil, err
	}

	return &interfaces.ChatReply{
		Content:   resp.Response,
		Emotion:   resp.Emotion,
		Animation: resp.Animation,
		Mode:      resp.Mode,
	}, nil
}

// ChangeMode requests a mode change through POST /mode. A response whose
// status is not a success value is reported as a rejection, not an error.
func (c *Client) ChangeMode(ctx context.Context, mode interfaces.Mode) (*interfaces.ModeResult, error) {
	if err := ValidateMode(mode); err != nil {
		return nil, err
	}

	var resp ModeResponse
	if err := c.executeJSONRequest(ctx, http.MethodPost, EndpointMode, ModeRequest{Mode: mode.String()}, &resp); err != nil {
		return nil, err
	}

	result := &interfaces.ModeResult{
		Accepted: modeAccepted(resp.Status),
		Reason:   resp.Message,
	}
	if resp.CurrentMode != "" {
		if confirmed, err := interfaces.ParseMode(resp.CurrentMode); err == nil {
			result.Mode = confirmed
			result.HasMode = true
		}
	}
	return result, nil
}

// Status fetches the companion's metadata through GET /status
func (c *Client) Status(ctx context.Context) (*interfaces.ServiceStatus, error) {
	var resp StatusResponse
	if err := c.executeJSONRequest(ctx, http.MethodGet, EndpointStatus, nil, &resp); err != nil {
		return nil, err
	}

	status := &interfaces.ServiceStatus{
		CurrentEmotion: resp.Personality.CurrentEmotion,
		Model:          resp.System.Model,
		SystemStatus:   resp.System.Status,
	}

	raw := resp.Mode
	if raw == "" {
		raw = resp.Personality.InteractionMode
	}
	if raw != "" {
		if mode, err := interfaces.ParseMode(raw); err == nil {
			status.Mode = mode
			status.HasMode = true
		}
	}
	return status, nil
}

// Health probes GET /health
func (c *Client) Health(ctx context.Context) (*interfaces.HealthStatus, error) {
	var resp interfaces.HealthStatus
	if err := c.executeJSONRequest(ctx, http.MethodGet, EndpointHealth, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "" {
		return nil, apperrors.NewProtocolError("protocol").
			WithOperation(EndpointHealth).
			WithMessage("health response is missing status").
			WithLogger(c.logger).
			Build()
	}
	return &resp, nil
}

// Reset clears the companion's conversation memory through POST /reset
func (c *Client) Reset(ctx context.Context) error {
	var resp ResetResponse
	if err := c.executeJSONRequest(ctx, http.MethodPost, EndpointReset, struct{}{}, &resp); err != nil {
		return err
	}
	if resp.Status != "" && !strings.EqualFold(resp.Status, "success") {
		return apperrors.NewRemoteRejectedError("protocol").
			WithOperation(EndpointReset).
			WithMessagef("reset reported status %q", resp.Status).
			WithContext("detail", resp.Message).
			WithLogger(c.logger).
			Build()
	}
	return nil
}

// validateChatResponse ensures a chat reply carries content
func (c *Client) validateChatResponse(resp *ChatResponse) error {
	if strings.TrimSpace(resp.Response) == "" {
		return apperrors.NewProtocolError("protocol").
			WithOperation(EndpointChat).
			WithMessage("chat response is missing the response field").
			WithLogger(c.logger).
			Build()
	}
	return nil
}
