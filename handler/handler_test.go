package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"goal-clarifier/internal/strategy"
	"goal-clarifier/internal/usecase"
)

type stubUseCase struct {
	out usecase.TurnOutput
	err error
	in  usecase.TurnInput
}

func (s *stubUseCase) Turn(_ context.Context, in usecase.TurnInput) (usecase.TurnOutput, error) {
	s.in = in
	return s.out, s.err
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/turns",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	uc := &stubUseCase{out: usecase.TurnOutput{
		Reply:     "Which timeframe matters to you?",
		SessionID: "s-1",
		Strategy:  strategy.ClarifyGoal,
		TurnIndex: 1,
		Persisted: true,
	}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{"message":"battery materials","sessionId":"s-1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.TurnInput{Message: "battery materials", SessionID: "s-1"}, uc.in)

	out := parseBody[TurnResponse](t, resp.Body)
	require.Equal(t, "Which timeframe matters to you?", out.Reply)
	require.Equal(t, "s-1", out.SessionID)
	require.Equal(t, "clarify_goal", out.Strategy)
	require.Equal(t, 1, out.TurnIndex)
	require.True(t, out.Persisted)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestNewTurnResponse_Summary(t *testing.T) {
	out := NewTurnResponse(usecase.TurnOutput{
		Reply:     "Your goal is confirmed.",
		SessionID: "s-1",
		Strategy:  strategy.EndInteraction,
		TurnIndex: 4,
		Persisted: true,
		Summary:   "Survey solid-state electrolytes since 2020.",
	})
	require.Equal(t, "end_interaction", out.Strategy)
	require.Equal(t, "Survey solid-state electrolytes since 2020.", out.Summary)

	body, err := json.Marshal(NewTurnResponse(usecase.TurnOutput{Strategy: strategy.Chitchat}))
	require.NoError(t, err)
	require.NotContains(t, string(body), "summary")
}

func TestHandle_PathSessionIDWins(t *testing.T) {
	uc := &stubUseCase{out: usecase.TurnOutput{SessionID: "from-path", Strategy: strategy.Chitchat}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(`{"message":"hi","sessionId":"from-body"}`)
	event.PathParameters = map[string]string{"id": "from-path"}
	_, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "from-path", uc.in.SessionID)
}

func TestHandle_InvalidBody(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[ErrorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Equal(t, "invalid_json", out.Reason)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "invalid message", err: &usecase.Error{Code: usecase.ErrorInvalidMessage, Reason: "flagged_by_moderation"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidMessage)},
		{name: "limit", err: &usecase.Error{Code: usecase.ErrorLimitExceeded, Reason: "confirm_attempt_limit"}, status: http.StatusUnprocessableEntity, code: string(usecase.ErrorLimitExceeded)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "backend_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited), retryable: true},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "backend_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream), retryable: true},
		{name: "strategy contract", err: &usecase.Error{Code: usecase.ErrorStrategyContract, Reason: "missing_strategy"}, status: http.StatusBadGateway, code: string(usecase.ErrorStrategyContract), retryable: true},
		{name: "timeout", err: &usecase.Error{Code: usecase.ErrorUpstreamTimeout, Reason: "backend_timeout"}, status: http.StatusGatewayTimeout, code: string(usecase.ErrorUpstreamTimeout), retryable: true},
		{name: "canceled", err: &usecase.Error{Code: usecase.ErrorCanceled, Reason: "canceled"}, status: http.StatusRequestTimeout, code: string(usecase.ErrorCanceled), retryable: true},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "illegal_phase_transition"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(`{"message":"hello"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[ErrorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
			require.Equal(t, tc.retryable, out.Retryable)
		})
	}
}

func TestHandle_ErrorCarriesTurnIdentity(t *testing.T) {
	uc := &stubUseCase{err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "backend_error", SessionID: "s-9", TurnIndex: 3}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{"message":"hello","sessionId":"s-9"}`))
	require.NoError(t, err)
	out := parseBody[ErrorResponse](t, resp.Body)
	require.Equal(t, "s-9", out.SessionID)
	require.Equal(t, 3, out.TurnIndex)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	uc := &stubUseCase{out: usecase.TurnOutput{SessionID: "s-1", Strategy: strategy.Chitchat}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(`{"message":"hello"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
