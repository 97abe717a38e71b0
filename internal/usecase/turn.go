package usecase

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"goal-clarifier/internal/domain"
	"goal-clarifier/internal/session"
	"goal-clarifier/internal/strategy"
)

const (
	defaultMaxHistoryTurns    = 40
	defaultMaxMessageLen      = 2000
	defaultMaxSessionTurns    = 60
	defaultMaxConfirmAttempts = 5
	defaultBackendTimeout     = 60 * time.Second

	stageStrategy = "strategy"
	stageReply    = "reply"

	reasonInvalidStrategy = "invalid_strategy"
	reasonStoreLoad       = "store_load_error"
)

// Backend is the generative model. Complete is used for the strategy
// decision, Stream for the reply text.
type Backend interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
	Stream(ctx context.Context, req domain.CompletionRequest) iter.Seq2[string, error]
}

type StrategySelector interface {
	Definition() domain.ToolDefinition
	Guidelines() string
	Select(args string) (strategy.Directive, error)
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Settings bound a TurnService. Zero values take defaults; ToolInvocationLimit
// must be 1 because exactly one strategy decision is allowed per turn.
type Settings struct {
	MaxHistoryTurns     int
	ToolInvocationLimit int
	MaxSessionTurns     int
	MaxConfirmAttempts  int
	MaxMessageLength    int
	BackendTimeout      time.Duration
	// SessionSummaries writes a summary of the session once it ends.
	SessionSummaries bool
}

func (s Settings) withDefaults() (Settings, error) {
	if s.ToolInvocationLimit == 0 {
		s.ToolInvocationLimit = 1
	}
	if s.ToolInvocationLimit != 1 {
		return Settings{}, errors.New("usecase: tool invocation limit must be 1")
	}
	if s.MaxHistoryTurns <= 0 {
		s.MaxHistoryTurns = defaultMaxHistoryTurns
	}
	if s.MaxMessageLength <= 0 {
		s.MaxMessageLength = defaultMaxMessageLen
	}
	if s.MaxSessionTurns <= 0 {
		s.MaxSessionTurns = defaultMaxSessionTurns
	}
	if s.MaxConfirmAttempts <= 0 {
		s.MaxConfirmAttempts = defaultMaxConfirmAttempts
	}
	if s.BackendTimeout <= 0 {
		s.BackendTimeout = defaultBackendTimeout
	}
	return s, nil
}

// TurnService runs one conversational turn end to end.
type TurnService struct {
	backend   Backend
	selector  StrategySelector
	sessions  *session.Manager
	moderator Moderator
	settings  Settings
}

type TurnInput struct {
	SessionID string
	Message   string
}

type TurnOutput struct {
	SessionID   string
	Reply       string
	Strategy    strategy.Strategy
	Instruction string
	TurnIndex   int
	Persisted   bool
	PersistErr  error
	// Summary is set on the turn that ended the session when summaries are on.
	Summary string
}

// NewTurnService wires the orchestrator. moderator may be nil.
func NewTurnService(backend Backend, selector StrategySelector, sessions *session.Manager, moderator Moderator, settings Settings) (*TurnService, error) {
	if backend == nil {
		return nil, errors.New("usecase: backend must not be nil")
	}
	if selector == nil {
		return nil, errors.New("usecase: strategy selector must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session manager must not be nil")
	}
	settings, err := settings.withDefaults()
	if err != nil {
		return nil, err
	}
	return &TurnService{
		backend:   backend,
		selector:  selector,
		sessions:  sessions,
		moderator: moderator,
		settings:  settings,
	}, nil
}

// Turn runs a turn and returns the full reply.
func (s *TurnService) Turn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	for ev, err := range s.Stream(ctx, in) {
		if err != nil {
			return TurnOutput{}, err
		}
		if ev.Kind == EventDone && ev.Output != nil {
			return *ev.Output, nil
		}
	}
	return TurnOutput{}, newError(ErrorInternal, "stream_ended_without_done", nil)
}

// Stream runs a turn lazily. It yields one EventStrategy, then reply
// fragments, then EventDone once the agent turn is committed. A failure is
// yielded as a single *Error. Stopping iteration early cancels the turn and
// nothing further is committed.
func (s *TurnService) Stream(ctx context.Context, in TurnInput) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		s.run(ctx, in, yield)
	}
}

// run executes the turn steps in order and reports progress through yield.
func (s *TurnService) run(ctx context.Context, in TurnInput, yield func(Event, error) bool) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		yield(Event{}, newError(ErrorInvalidInput, "empty_message", nil))
		return
	}
	if len(message) > s.settings.MaxMessageLength {
		yield(Event{}, newError(ErrorInvalidInput, "message_too_long", nil))
		return
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = newSessionID()
	}

	sess, release, err := s.sessions.Acquire(ctx, sessionID)
	if err != nil {
		yield(Event{}, s.acquireError(ctx, sessionID, err))
		return
	}
	defer release()

	turnIndex := sess.AgentTurns() + 1
	fail := func(e *Error) {
		e.SessionID = sessionID
		e.TurnIndex = turnIndex
		slog.Warn("turn failed",
			"session_id", sessionID,
			"turn_index", turnIndex,
			"code", e.Code,
			"reason", e.Reason,
			"err", e.Err,
		)
		yield(Event{}, e)
	}

	if sess.AgentTurns() >= s.settings.MaxSessionTurns {
		fail(newError(ErrorLimitExceeded, "session_turn_limit", nil))
		return
	}
	if e := s.moderate(ctx, message); e != nil {
		fail(e)
		return
	}

	tracker := newPhaseTracker()
	if err := tracker.advance(PhaseGenerating); err != nil {
		fail(newError(ErrorInternal, "phase_error", err))
		return
	}

	var persistErr error
	if err := s.sessions.Record(ctx, sess, session.NewUserTurn(message, now())); err != nil {
		persistErr = err
		slog.Warn("user turn not persisted", "session_id", sessionID, "turn_index", turnIndex, "err", err)
	}

	messages := buildContextMessages(
		buildSystemPrompt(s.selector.Guidelines(), now()),
		sess.History().Window(s.settings.MaxHistoryTurns),
	)

	directive, call, e := s.selectStrategy(ctx, messages)
	if e != nil {
		tracker.fail()
		fail(e)
		return
	}
	// Only a new confirmation is capped; answering the last one must still
	// be able to end or reopen the clarification.
	if directive.Strategy == strategy.ConfirmGoal && sess.ConfirmAttempts() >= s.settings.MaxConfirmAttempts {
		tracker.fail()
		fail(newError(ErrorLimitExceeded, "confirm_attempt_limit", nil))
		return
	}
	slog.Info("strategy selected", "session_id", sessionID, "turn_index", turnIndex, "strategy", directive.Strategy.String())
	if !yield(Event{
		Kind:        EventStrategy,
		Phase:       PhaseGenerating,
		SessionID:   sessionID,
		Strategy:    directive.Strategy,
		Instruction: directive.Instruction,
	}, nil) {
		slog.Info("turn abandoned by caller", "session_id", sessionID, "turn_index", turnIndex)
		return
	}

	reply, e := s.streamReply(ctx, withDirective(messages, call, directive), tracker, sessionID, yield)
	if e != nil {
		tracker.fail()
		fail(e)
		return
	}
	if reply == "" {
		// abandoned by the caller mid-stream
		return
	}

	agentTurn := session.NewAgentTurn(reply, directive.Strategy, now())
	if err := s.sessions.Record(ctx, sess, agentTurn); err != nil {
		if persistErr == nil {
			persistErr = err
		}
		slog.Warn("agent turn not persisted", "session_id", sessionID, "turn_index", turnIndex, "err", err)
	}
	var summary string
	if directive.Strategy == strategy.EndInteraction && s.settings.SessionSummaries {
		summary = s.summarize(ctx, sess, turnIndex)
	}
	if err := tracker.advance(PhaseComplete); err != nil {
		fail(newError(ErrorInternal, "phase_error", err))
		return
	}

	out := &TurnOutput{
		SessionID:   sessionID,
		Reply:       reply,
		Strategy:    directive.Strategy,
		Instruction: directive.Instruction,
		TurnIndex:   turnIndex,
		Persisted:   persistErr == nil,
		PersistErr:  persistErr,
		Summary:     summary,
	}
	slog.Info("turn completed",
		"session_id", sessionID,
		"turn_index", turnIndex,
		"strategy", directive.Strategy.String(),
		"persisted", out.Persisted,
	)
	yield(Event{Kind: EventDone, Phase: PhaseComplete, SessionID: sessionID, Strategy: directive.Strategy, Output: out}, nil)
}

// selectStrategy forces the backend through the selector tool and requires
// exactly one valid decision.
func (s *TurnService) selectStrategy(ctx context.Context, messages []domain.ChatMessage) (strategy.Directive, domain.ToolCall, *Error) {
	def := s.selector.Definition()
	callCtx, cancel := context.WithTimeout(ctx, s.settings.BackendTimeout)
	defer cancel()

	completion, err := s.backend.Complete(callCtx, domain.CompletionRequest{
		Messages:  messages,
		Tools:     []domain.ToolDefinition{def},
		ForceTool: def.Name,
	})
	if err != nil {
		return strategy.Directive{}, domain.ToolCall{}, classifyBackendError(ctx, stageStrategy, err)
	}

	calls := completion.ToolCalls
	switch {
	case len(calls) == 0:
		return strategy.Directive{}, domain.ToolCall{}, newError(ErrorStrategyContract, "missing_strategy", &MissingStrategyError{})
	case len(calls) > s.settings.ToolInvocationLimit:
		return strategy.Directive{}, domain.ToolCall{}, newError(ErrorStrategyContract, "ambiguous_strategy",
			&AmbiguousStrategyError{Calls: len(calls), Limit: s.settings.ToolInvocationLimit})
	case calls[0].Function.Name != def.Name:
		return strategy.Directive{}, domain.ToolCall{}, newError(ErrorStrategyContract, "missing_strategy",
			&MissingStrategyError{Tool: calls[0].Function.Name})
	}

	directive, err := s.selector.Select(calls[0].Function.Arguments)
	if err != nil {
		return strategy.Directive{}, domain.ToolCall{}, newError(ErrorStrategyContract, reasonInvalidStrategy, err)
	}
	return directive, calls[0], nil
}

// streamReply forwards reply fragments to the caller and returns the full
// text once the backend stream has completed. An empty string with a nil
// error means the caller stopped iterating.
func (s *TurnService) streamReply(ctx context.Context, messages []domain.ChatMessage, tracker *phaseTracker, sessionID string, yield func(Event, error) bool) (string, *Error) {
	callCtx, cancel := context.WithTimeout(ctx, s.settings.BackendTimeout)
	defer cancel()

	var reply strings.Builder
	for fragment, err := range s.backend.Stream(callCtx, domain.CompletionRequest{Messages: messages}) {
		if err != nil {
			return "", classifyBackendError(ctx, stageReply, err)
		}
		if fragment == "" {
			continue
		}
		if tracker.current == PhaseGenerating {
			if err := tracker.advance(PhaseEmitting); err != nil {
				return "", newError(ErrorInternal, "phase_error", err)
			}
		}
		reply.WriteString(fragment)
		if !yield(Event{Kind: EventFragment, Phase: PhaseEmitting, SessionID: sessionID, Fragment: fragment}, nil) {
			slog.Info("turn abandoned by caller", "session_id", sessionID)
			return "", nil
		}
	}
	if err := ctx.Err(); err != nil {
		return "", classifyBackendError(ctx, stageReply, err)
	}
	if err := callCtx.Err(); err != nil {
		return "", classifyBackendError(ctx, stageReply, err)
	}
	text := strings.TrimSpace(reply.String())
	if text == "" {
		return "", newError(ErrorUpstream, "empty_reply", &BackendError{Stage: stageReply, Err: errors.New("backend returned no text")})
	}
	return text, nil
}

// summarize asks the backend for a summary of the finished session and
// stores it. Failures are logged; the turn itself has already been committed.
func (s *TurnService) summarize(ctx context.Context, sess *session.AgentSession, turnIndex int) string {
	callCtx, cancel := context.WithTimeout(ctx, s.settings.BackendTimeout)
	defer cancel()

	completion, err := s.backend.Complete(callCtx, domain.CompletionRequest{
		Messages: buildSummaryMessages(sess.History().Turns()),
	})
	if err != nil {
		slog.Warn("session summary failed", "session_id", sess.ID(), "turn_index", turnIndex, "err", err)
		return ""
	}
	text := strings.TrimSpace(completion.Content)
	if text == "" {
		slog.Warn("session summary empty", "session_id", sess.ID(), "turn_index", turnIndex)
		return ""
	}
	if err := s.sessions.Summarize(ctx, sess, session.Summary{Text: text, UpdatedAt: now().UTC()}); err != nil {
		slog.Warn("session summary not persisted", "session_id", sess.ID(), "turn_index", turnIndex, "err", err)
	}
	return text
}

func (s *TurnService) moderate(ctx context.Context, message string) *Error {
	if s.moderator == nil {
		return nil
	}
	flagged, err := s.moderator.Moderate(ctx, message)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return newError(ErrorRateLimited, "moderation_rate_limited", err)
		}
		return newError(ErrorUpstream, "moderation_error", err)
	}
	if flagged {
		return newError(ErrorInvalidMessage, "moderation_flagged", nil)
	}
	return nil
}

func (s *TurnService) acquireError(ctx context.Context, sessionID string, err error) *Error {
	var e *Error
	var storeErr *session.StoreError
	switch {
	case ctx.Err() != nil:
		e = newError(ErrorCanceled, "turn_canceled", err)
	case errors.As(err, &storeErr):
		e = newError(ErrorInternal, reasonStoreLoad, err)
	default:
		e = newError(ErrorInvalidInput, "invalid_session", err)
	}
	e.SessionID = sessionID
	slog.Warn("session unavailable", "session_id", sessionID, "code", e.Code, "err", err)
	return e
}

// classifyBackendError maps a backend failure to a turn error. parent is the
// caller's context, used to tell caller cancellation from backend timeouts.
func classifyBackendError(parent context.Context, stage string, err error) *Error {
	if errors.Is(parent.Err(), context.Canceled) {
		return newError(ErrorCanceled, "turn_canceled", parent.Err())
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return newError(ErrorUpstreamTimeout, stage+"_timeout", &BackendTimeoutError{Stage: stage, Err: err})
	}
	if status, ok := upstreamStatusCode(err); ok {
		backendErr := &BackendError{Stage: stage, StatusCode: status, Err: err}
		if status == 429 {
			return newError(ErrorRateLimited, stage+"_rate_limited", backendErr)
		}
		return newError(ErrorUpstream, stage+"_error", backendErr)
	}
	return newError(ErrorUpstream, stage+"_error", &BackendError{Stage: stage, Err: err})
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newSessionID = func() string {
	return uuid.NewString()
}

var now = time.Now
