// Package session implements the per-connection chat state machine.
//
// A Session starts UNINIT, becomes READY after Initialize, moves to
// AWAITING_REPLY while a completion is in flight and back to READY when it
// resolves. Close moves it to CLOSED from any state. All transitions go
// through a stateless.StateMachine; results are reported to the client
// through an Emitter rather than returned to the transport.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/comigor/charchat-go/internal/history"
	"github.com/comigor/charchat-go/internal/logger"
	"github.com/comigor/charchat-go/internal/protocol"
)

// State is a session lifecycle state.
type State string

const (
	StateUninit        State = "UNINIT"
	StateReady         State = "READY"
	StateAwaitingReply State = "AWAITING_REPLY"
	StateClosed        State = "CLOSED" // terminal
)

// Trigger moves the state machine between states.
type Trigger string

const (
	TriggerInitialized    Trigger = "Initialized"
	TriggerTurnAccepted   Trigger = "TurnAccepted"
	TriggerReplyDelivered Trigger = "ReplyDelivered"
	TriggerReplyFailed    Trigger = "ReplyFailed"
	TriggerClose          Trigger = "Close"
)

const defaultCharacterName = "AI"

// Store is the conversation persistence used by a session.
type Store interface {
	GetOrCreate(ctx context.Context, sessionID, characterID string, info history.CharacterInfo) (*history.Conversation, error)
	AppendMessage(ctx context.Context, conv *history.Conversation, sender history.Sender, content string) (*history.Message, error)
	ListMessages(ctx context.Context, conv *history.Conversation) ([]history.Message, error)
}

// Completer produces the character's reply for an ordered context.
type Completer interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error)
}

// Emitter delivers events to the client.
type Emitter interface {
	Emit(event protocol.Event) error
}

// Session is the state of one chat connection. Its methods may be called from
// different goroutines, but the transport is expected to submit frames one at
// a time.
type Session struct {
	characterID string
	store       Store
	completer   Completer
	emitter     Emitter
	newID       func() string

	mu           sync.Mutex
	fsm          *stateless.StateMachine
	sessionID    string
	conversation *history.Conversation
	messages     []openai.ChatCompletionMessage
}

// Option customizes a Session.
type Option func(*Session)

// WithIDGenerator replaces the generator used for session identifiers when the
// client does not supply one.
func WithIDGenerator(fn func() string) Option {
	return func(s *Session) { s.newID = fn }
}

// New returns a session in UNINIT bound to characterID.
func New(characterID string, store Store, completer Completer, emitter Emitter, opts ...Option) *Session {
	s := &Session{
		characterID: characterID,
		store:       store,
		completer:   completer,
		emitter:     emitter,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.fsm = stateless.NewStateMachine(StateUninit)

	s.fsm.Configure(StateUninit).
		Permit(TriggerInitialized, StateReady).
		Permit(TriggerClose, StateClosed)

	s.fsm.Configure(StateReady).
		Permit(TriggerTurnAccepted, StateAwaitingReply).
		Permit(TriggerClose, StateClosed)

	// Both outcomes of a completion return to READY so the user may continue.
	s.fsm.Configure(StateAwaitingReply).
		Permit(TriggerReplyDelivered, StateReady).
		Permit(TriggerReplyFailed, StateReady).
		Permit(TriggerClose, StateClosed)

	s.fsm.Configure(StateClosed).
		Ignore(TriggerClose).
		OnEntry(func(_ context.Context, _ ...any) error {
			s.messages = nil
			s.conversation = nil
			return nil
		})

	s.fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		logger.L.Debug("session transition", "character_id", s.characterID, "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
	})

	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

// SessionID returns the resolved session identifier, empty before Initialize.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Messages returns a copy of the in-memory context sent to the completer.
func (s *Session) Messages() []openai.ChatCompletionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Initialize binds the session to its conversation, replays persisted history
// and moves to READY. sessionID is used verbatim when non-empty; otherwise a
// fresh one is generated. The persona prompt of this call always heads the
// context, whatever was used before for the same conversation.
func (s *Session) Initialize(ctx context.Context, character protocol.Character, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logger.L.With("character_id", s.characterID)
	switch s.state() {
	case StateUninit:
	case StateClosed:
		return s.reject(ctx, log, ErrClosed, msgClosed)
	default:
		return s.reject(ctx, log, ErrAlreadyInitialized, msgAlreadyInitialized)
	}

	if sessionID == "" {
		sessionID = s.newID()
	}
	name := character.Name
	if name == "" {
		name = defaultCharacterName
	}
	log = log.With("session_id", sessionID)
	log.Info("initializing chat", "character_name", name)

	// Store calls are not aborted by a transport close.
	storeCtx := context.WithoutCancel(ctx)

	conv, err := s.store.GetOrCreate(storeCtx, sessionID, s.characterID, history.CharacterInfo{Name: name, Avatar: character.Avatar})
	if err != nil {
		return s.storeFailure(ctx, log, "get_or_create", err)
	}
	saved, err := s.store.ListMessages(storeCtx, conv)
	if err != nil {
		return s.storeFailure(ctx, log, "list_messages", err)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(saved)+1)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: character.SystemPrompt})
	replay := make([]protocol.HistoryMessage, 0, len(saved))
	for _, m := range saved {
		role := openai.ChatMessageRoleAssistant
		if m.Sender == history.SenderUser {
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
		replay = append(replay, protocol.HistoryMessage{Sender: string(m.Sender), Content: m.Content})
	}

	s.sessionID = sessionID
	s.conversation = conv
	s.messages = messages
	s.fire(TriggerInitialized)
	log.Info("chat initialized", "conversation_id", conv.ID, "history", len(saved))

	if len(replay) > 0 {
		s.emit(log, protocol.HistoryEvent{Messages: replay})
	}
	s.emit(log, protocol.ReadyEvent{SessionID: sessionID})
	return nil
}

// SubmitUserTurn persists the user's text, asks the completer for a reply and
// persists and emits it. A failed completion leaves the user turn persisted
// and the context without an assistant entry.
func (s *Session) SubmitUserTurn(ctx context.Context, text string) error {
	s.mu.Lock()
	log := logger.L.With("character_id", s.characterID, "session_id", s.sessionID)
	switch s.state() {
	case StateReady:
	case StateAwaitingReply:
		s.mu.Unlock()
		return s.reject(ctx, log, ErrBusy, msgBusy)
	default:
		s.mu.Unlock()
		return s.reject(ctx, log, ErrNotInitialized, msgNotInitialized)
	}
	log = log.With("content", logger.Truncate(text, 50))
	log.Info("user message")

	storeCtx := context.WithoutCancel(ctx)
	conv := s.conversation
	if _, err := s.store.AppendMessage(storeCtx, conv, history.SenderUser, text); err != nil {
		s.mu.Unlock()
		recordTurn(ctx, "store_error")
		return s.storeFailure(ctx, log, "append_user_message", err)
	}
	s.messages = append(s.messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
	s.fire(TriggerTurnAccepted)
	pending := slices.Clone(s.messages)
	s.mu.Unlock()

	s.emit(log, protocol.TypingEvent{})

	reply, err := s.complete(ctx, pending)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state() == StateClosed {
		log.Info("session closed while awaiting reply; discarding result", "error", err)
		return ErrClosed
	}

	if err != nil {
		s.fire(TriggerReplyFailed)
		log.Error("completion failed", "error", err)
		recordTurn(ctx, "provider_error")
		recordError(ctx, "provider")
		s.emit(log, protocol.ErrorEvent{Message: msgProviderPrefix + err.Error()})
		return err
	}
	log.Debug("completion received", "reply", logger.Truncate(reply, 50))

	if _, err := s.store.AppendMessage(storeCtx, conv, history.SenderCharacter, reply); err != nil {
		s.fire(TriggerReplyFailed)
		recordTurn(ctx, "store_error")
		return s.storeFailure(ctx, log, "append_character_message", err)
	}
	s.messages = append(s.messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply})
	s.fire(TriggerReplyDelivered)
	recordTurn(ctx, "ok")

	s.emit(log, protocol.ReplyEvent{Content: reply})
	return nil
}

// Close moves the session to CLOSED and releases its context. It is safe to
// call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state()
	s.fire(TriggerClose)
	if prev != StateClosed {
		logger.L.Info("session closed", "character_id", s.characterID, "session_id", s.sessionID, "from", prev)
	}
}

func (s *Session) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	ctx, span := tracer.Start(ctx, "session.complete", trace.WithAttributes(
		attribute.String("character.id", s.characterID),
		attribute.Int("context.length", len(messages)),
	))
	defer span.End()

	start := time.Now()
	reply, err := s.completer.Complete(ctx, messages)
	completionLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.Bool("success", err == nil)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

// state must be called with s.mu held.
func (s *Session) state() State {
	return s.fsm.MustState().(State)
}

// fire must be called with s.mu held. Callers check the state first, so a
// refused trigger is a programming error and is only logged.
func (s *Session) fire(trigger Trigger) {
	if err := s.fsm.Fire(trigger); err != nil {
		logger.L.Error("session transition refused", "character_id", s.characterID, "trigger", trigger, "error", err)
	}
}

func (s *Session) reject(ctx context.Context, log *slog.Logger, err error, message string) error {
	log.Warn("operation rejected", "error", err)
	recordError(ctx, errorKind(err))
	s.emit(log, protocol.ErrorEvent{Message: message})
	return err
}

func (s *Session) storeFailure(ctx context.Context, log *slog.Logger, op string, err error) error {
	serr := &StoreError{Op: op, Err: err}
	log.Error("store operation failed", "op", op, "error", err)
	recordError(ctx, "store")
	s.emit(log, protocol.ErrorEvent{Message: msgStorePrefix + serr.Error()})
	return serr
}

func (s *Session) emit(log *slog.Logger, event protocol.Event) {
	if err := s.emitter.Emit(event); err != nil {
		log.Debug("emit failed", "event", event, "error", err)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "unknown"
	}
}
