package model

import (
	"encoding/json"
	"time"
)

// IdeationAckMessage is the body the webhook returns when it accepted the
// request and will deliver the answer asynchronously.
const IdeationAckMessage = "Workflow was started"

// Poll result types.
const (
	IdeationPollStatus = "status"
	IdeationPollFinal  = "final"
)

// IdeationRequest is the body POSTed to the ideation webhook.
type IdeationRequest struct {
	UserInput             string             `json:"user_input"`
	ConversationContext   []ConversationTurn `json:"conversation_context"`
	UserID                string             `json:"user_id"`
	ContentTypePreference string             `json:"content_type_preference,omitempty"`
	SessionID             string             `json:"session_id"`
	Timestamp             time.Time          `json:"timestamp"`
}

// ConversationTurn is one message in the conversation history.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IdeationAnswer is the data carried by a final answer, either inline in the
// webhook response or in a final poll result.
type IdeationAnswer struct {
	ResponseType string   `json:"response_type"`
	Message      string   `json:"message"`
	Question     string   `json:"question,omitempty"`
	Topic        string   `json:"topic,omitempty"`
	Angle        string   `json:"angle,omitempty"`
	Takeaways    []string `json:"takeaways,omitempty"`
}

// HasIdea reports whether the answer carries a usable topic.
func (a IdeationAnswer) HasIdea() bool {
	return a.Topic != ""
}

// IdeationPoll is the result of one poll of the results endpoint.
type IdeationPoll struct {
	Success bool            `json:"success"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Final reports whether the poll carries the final answer.
func (p IdeationPoll) Final() bool {
	return p.Success && p.Type == IdeationPollFinal
}

// Answer decodes Data as an IdeationAnswer.
func (p IdeationPoll) Answer() (IdeationAnswer, error) {
	var a IdeationAnswer
	if len(p.Data) == 0 {
		return a, nil
	}
	err := json.Unmarshal(p.Data, &a)
	return a, err
}
