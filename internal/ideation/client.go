// Package ideation talks to the "Talk with Marcus" webhook: it submits
// conversation turns, waits for the asynchronous answer and turns a final
// answer into IdeationData for the creation stage.
package ideation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/pitabwire/postcraft/internal/backend"
	"github.com/pitabwire/postcraft/internal/config"
	"github.com/pitabwire/postcraft/model"
)

// SourcePage tags ideation data produced by this flow.
const SourcePage = "talk_with_marcus"

// StartResult is the webhook's reply to a submitted turn. Exactly one of
// Acknowledged and Answer is set.
type StartResult struct {
	Acknowledged bool
	Answer       *model.IdeationAnswer
}

// Client calls the webhook and its results endpoint.
type Client struct {
	api         *backend.Client
	webhookPath string
	resultsPath string
}

// NewClient wraps api, which must point at the ideation service.
func NewClient(api *backend.Client, cfg config.IdeationConfig) *Client {
	return &Client{
		api:         api,
		webhookPath: cfg.WebhookPath,
		resultsPath: cfg.ResultsPath,
	}
}

// Start submits one turn.
func (c *Client) Start(ctx context.Context, req model.IdeationRequest) (StartResult, error) {
	if req.ConversationContext == nil {
		req.ConversationContext = []model.ConversationTurn{}
	}
	resp, err := c.api.Do(ctx, backend.Request{
		Operation: "ideation.start",
		Method:    http.MethodPost,
		Path:      c.webhookPath,
		Body:      req,
	})
	if err != nil {
		return StartResult{}, err
	}

	body := firstElement(resp.Body)
	var shape struct {
		Message      string `json:"message"`
		ResponseType string `json:"response_type"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return StartResult{}, model.NewExternalServiceError(c.api.Name(), "malformed webhook response").WithCause(err)
	}

	switch {
	case shape.ResponseType != "":
		var answer model.IdeationAnswer
		if err := json.Unmarshal(body, &answer); err != nil {
			return StartResult{}, model.NewExternalServiceError(c.api.Name(), "malformed webhook answer").WithCause(err)
		}
		return StartResult{Answer: &answer}, nil
	case shape.Message == model.IdeationAckMessage:
		return StartResult{Acknowledged: true}, nil
	default:
		return StartResult{}, model.NewExternalServiceError(c.api.Name(), "unrecognised webhook response")
	}
}

// Fetch polls the results endpoint once.
func (c *Client) Fetch(ctx context.Context, sessionID string) (model.IdeationPoll, error) {
	resp, err := c.api.Do(ctx, backend.Request{
		Operation: "ideation.fetch",
		Method:    http.MethodGet,
		Path:      c.resultsPath,
		Query:     url.Values{"session_id": {sessionID}},
	})
	if err != nil {
		return model.IdeationPoll{}, err
	}

	var poll model.IdeationPoll
	if err := json.Unmarshal(firstElement(resp.Body), &poll); err != nil {
		return model.IdeationPoll{}, model.NewExternalServiceError(c.api.Name(), "malformed poll response").WithCause(err)
	}
	switch poll.Type {
	case model.IdeationPollStatus, model.IdeationPollFinal:
	default:
		return model.IdeationPoll{}, model.NewExternalServiceError(c.api.Name(), "unknown poll result type "+poll.Type)
	}
	return poll, nil
}

// firstElement unwraps the single-item arrays n8n returns from "respond to
// webhook" nodes.
func firstElement(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return trimmed
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil || len(items) == 0 {
		return trimmed
	}
	return items[0]
}
