// Package handler adapts API Gateway proxy events to conversational turns.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"goal-clarifier/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// TurnRunner runs one conversational turn.
type TurnRunner interface {
	Turn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

type Handler struct {
	uc TurnRunner
}

func NewHandler(uc TurnRunner) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc}, nil
}

type turnRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// TurnResponse is the JSON body of a completed turn.
type TurnResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"sessionId"`
	Strategy  string `json:"strategy"`
	TurnIndex int    `json:"turnIndex"`
	Persisted bool   `json:"persisted"`
	Summary   string `json:"summary,omitempty"`
}

// ErrorResponse is the JSON body of a failed turn.
type ErrorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	TurnIndex int    `json:"turnIndex,omitempty"`
	Retryable bool   `json:"retryable"`
}

// NewTurnResponse converts a usecase output to its wire form.
func NewTurnResponse(out usecase.TurnOutput) TurnResponse {
	return TurnResponse{
		Reply:     out.Reply,
		SessionID: out.SessionID,
		Strategy:  out.Strategy.String(),
		TurnIndex: out.TurnIndex,
		Persisted: out.Persisted,
		Summary:   out.Summary,
	}
}

// Handle serves POST /sessions/{id}/turns and POST /turns. The session id
// comes from the path when present, otherwise from the body.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := slog.With("correlation_id", correlationID)

	var body turnRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		logger.Warn("invalid request body", "err", err)
		return jsonResponse(http.StatusBadRequest, correlationID, ErrorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "invalid_json",
		}), nil
	}
	if id := strings.TrimSpace(req.PathParameters["id"]); id != "" {
		body.SessionID = id
	}

	out, err := h.uc.Turn(ctx, usecase.TurnInput{SessionID: body.SessionID, Message: body.Message})
	if err != nil {
		status, resp := ErrorStatus(err)
		logger.Error("turn failed", "status", status, "code", resp.Error, "reason", resp.Reason, "session_id", resp.SessionID, "err", err)
		return jsonResponse(status, correlationID, resp), nil
	}

	logger.Info("turn completed",
		"session_id", out.SessionID,
		"turn_index", out.TurnIndex,
		"strategy", out.Strategy.String(),
		"persisted", out.Persisted,
	)
	return jsonResponse(http.StatusOK, correlationID, NewTurnResponse(out)), nil
}

// ErrorStatus maps a turn error to an HTTP status and response body.
func ErrorStatus(err error) (int, ErrorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, ErrorResponse{Error: string(usecase.ErrorInternal), Reason: "unexpected"}
	}
	resp := ErrorResponse{
		Error:     string(ucErr.Code),
		Reason:    ucErr.Reason,
		SessionID: ucErr.SessionID,
		TurnIndex: ucErr.TurnIndex,
		Retryable: ucErr.Retryable(),
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidMessage:
		return http.StatusBadRequest, resp
	case usecase.ErrorLimitExceeded:
		return http.StatusUnprocessableEntity, resp
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, resp
	case usecase.ErrorUpstream, usecase.ErrorStrategyContract:
		return http.StatusBadGateway, resp
	case usecase.ErrorUpstreamTimeout:
		return http.StatusGatewayTimeout, resp
	case usecase.ErrorCanceled:
		return http.StatusRequestTimeout, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(b),
	}
}
