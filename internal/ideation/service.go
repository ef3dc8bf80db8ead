package ideation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/pitabwire/postcraft/model"
)

// conversationTTL is how long an idle conversation is kept.
const conversationTTL = 30 * time.Minute

// Reply is the result of one message.
type Reply struct {
	SessionID string               `json:"session_id"`
	Step      Step                 `json:"step"`
	Answer    model.IdeationAnswer `json:"answer"`
	Ideation  *model.IdeationData  `json:"ideation_data,omitempty"`
}

// Service keeps conversations by session id and ties each Ask to a tracked,
// cancellable wait.
type Service struct {
	starter Starter
	waiter  Waiter
	tracker *Tracker
	convs   *cache.Cache
	logger  *zap.Logger
	rec     Recorder
	newID   func() string
}

// NewService builds a service. logger and rec may be nil.
func NewService(starter Starter, waiter Waiter, tracker *Tracker, logger *zap.Logger, rec Recorder) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Service{
		starter: starter,
		waiter:  waiter,
		tracker: tracker,
		convs:   cache.New(conversationTTL, 5*time.Minute),
		logger:  logger,
		rec:     rec,
		newID:   uuid.NewString,
	}
}

// Send asks Marcus within the conversation sessionID, opening a new one when
// sessionID is empty. Closing the session while Send waits cancels it.
func (s *Service) Send(ctx context.Context, userID, sessionID, message, contentType string) (Reply, error) {
	conv, err := s.conversation(userID, sessionID, contentType)
	if err != nil {
		return Reply{}, err
	}

	ctx, release := s.tracker.Track(ctx, conv.SessionID())
	defer release()

	answer, err := conv.Ask(ctx, message)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.Debug("ideation: wait cancelled", zap.String("session_id", conv.SessionID()))
		}
		return Reply{}, err
	}
	s.convs.SetDefault(conv.SessionID(), conv)

	out := Reply{SessionID: conv.SessionID(), Step: conv.Step(), Answer: answer}
	if data, ok := conv.Output(); ok {
		out.Ideation = data
	}
	return out, nil
}

// Close cancels any wait on sessionID and forgets the conversation. It
// reports whether anything was running.
func (s *Service) Close(userID, sessionID string) bool {
	if v, ok := s.convs.Get(sessionID); ok && v.(*Conversation).UserID() != userID {
		return false
	}
	s.convs.Delete(sessionID)
	return s.tracker.Cancel(sessionID)
}

// Shutdown cancels all in-flight waits.
func (s *Service) Shutdown() {
	s.tracker.CancelAll()
}

func (s *Service) conversation(userID, sessionID, contentType string) (*Conversation, error) {
	if sessionID != "" {
		if v, ok := s.convs.Get(sessionID); ok {
			conv := v.(*Conversation)
			if conv.UserID() != userID {
				return nil, model.NewNotFoundError("ideation session not found")
			}
			return conv, nil
		}
	} else {
		sessionID = s.newID()
	}

	conv := NewConversation(userID, sessionID, contentType, s.starter, s.waiter)
	conv.rec = s.rec
	s.convs.SetDefault(sessionID, conv)
	return conv, nil
}
