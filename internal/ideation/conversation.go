package ideation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/postcraft/model"
)

// Step is the question the conversation is currently asking.
type Step string

// Steps run in this order. StepDone is reached early when Marcus answers
// with a complete idea.
const (
	StepTopic     Step = "topic"
	StepAngle     Step = "angle"
	StepTakeaways Step = "takeaways"
	StepDone      Step = "done"
)

func (s Step) next() Step {
	switch s {
	case StepTopic:
		return StepAngle
	case StepAngle:
		return StepTakeaways
	}
	return StepDone
}

// Starter submits a turn. *Client satisfies it.
type Starter interface {
	Start(ctx context.Context, req model.IdeationRequest) (StartResult, error)
}

// Waiter waits for an acknowledged turn. *Awaiter satisfies it.
type Waiter interface {
	Await(ctx context.Context, sessionID string) (model.IdeationPoll, error)
}

// Conversation is one user's question flow with Marcus. Ask calls are
// serialised.
type Conversation struct {
	userID      string
	sessionID   string
	contentType string
	starter     Starter
	waiter      Waiter
	rec         Recorder
	now         func() time.Time

	mu    sync.Mutex
	turns []model.ConversationTurn
	step  Step
	last  *model.IdeationAnswer
}

// NewConversation starts an empty conversation for sessionID.
func NewConversation(userID, sessionID, contentType string, starter Starter, waiter Waiter) *Conversation {
	return &Conversation{
		userID:      userID,
		sessionID:   sessionID,
		contentType: contentType,
		starter:     starter,
		waiter:      waiter,
		rec:         nopRecorder{},
		now:         func() time.Time { return time.Now().UTC() },
		step:        StepTopic,
	}
}

// SessionID returns the webhook session id.
func (c *Conversation) SessionID() string { return c.sessionID }

// UserID returns the owner.
func (c *Conversation) UserID() string { return c.userID }

// Ask sends input and returns Marcus's reply. On failure the conversation is
// unchanged so the same input can be retried.
func (c *Conversation) Ask(ctx context.Context, input string) (model.IdeationAnswer, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return model.IdeationAnswer{}, model.NewRequiredFieldError("message")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req := model.IdeationRequest{
		UserInput:             input,
		ConversationContext:   append([]model.ConversationTurn(nil), c.turns...),
		UserID:                c.userID,
		ContentTypePreference: c.contentType,
		SessionID:             c.sessionID,
		Timestamp:             c.now(),
	}

	res, err := c.starter.Start(ctx, req)
	if err != nil {
		c.rec.RecordIdeationOutcome(OutcomeError)
		return model.IdeationAnswer{}, err
	}

	var answer model.IdeationAnswer
	if res.Answer != nil {
		c.rec.RecordIdeationOutcome(OutcomeImmediate)
		answer = *res.Answer
	} else {
		poll, err := c.waiter.Await(ctx, c.sessionID)
		if err != nil {
			return model.IdeationAnswer{}, err
		}
		answer, err = poll.Answer()
		if err != nil {
			return model.IdeationAnswer{}, model.NewExternalServiceError("ideation", "malformed final answer").WithCause(err)
		}
	}

	reply := answer.Message
	if reply == "" {
		reply = answer.Question
	}
	c.turns = append(c.turns,
		model.ConversationTurn{Role: "user", Content: input},
		model.ConversationTurn{Role: "assistant", Content: reply},
	)
	c.last = &answer
	if answer.HasIdea() {
		c.step = StepDone
	} else {
		c.step = c.step.next()
	}
	return answer, nil
}

// Step returns the current question.
func (c *Conversation) Step() Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Turns returns a copy of the conversation so far.
func (c *Conversation) Turns() []model.ConversationTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ConversationTurn(nil), c.turns...)
}

// Output returns the idea Marcus settled on, if any.
func (c *Conversation) Output() (*model.IdeationData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil || !c.last.HasIdea() {
		return nil, false
	}
	return &model.IdeationData{
		Topic:      c.last.Topic,
		Angle:      c.last.Angle,
		Takeaways:  append([]string(nil), c.last.Takeaways...),
		SourcePage: SourcePage,
		SessionID:  c.sessionID,
	}, true
}
