// Package publish sends drafts to LinkedIn now or on a schedule.
package publish

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/postcraft/internal/observability"
	"github.com/pitabwire/postcraft/internal/workflow"
	"github.com/pitabwire/postcraft/model"
)

// Publish triggers.
const (
	TriggerNow      = "now"
	TriggerSchedule = "schedule"
)

// Outcome is what a publish returns and what a replayed key gets back.
type Outcome struct {
	Content model.Content    `json:"content"`
	Post    model.PostResult `json:"post"`
}

// Publisher posts to the social network.
type Publisher interface {
	PublishPost(ctx context.Context, userID string, req model.PostRequest) (model.PostResult, error)
}

// Contents reads and marks drafts.
type Contents interface {
	Get(ctx context.Context, userID, id string) (model.Content, error)
	MarkScheduled(ctx context.Context, userID, id string) (model.Content, error)
	MarkPublished(ctx context.Context, userID, id, postID string, at time.Time) (model.Content, error)
}

// Calendar creates schedule entries.
type Calendar interface {
	Create(ctx context.Context, userID string, e model.ScheduleEntry) (model.ScheduleEntry, error)
}

// Workflows opens the user's workflow coordinator.
type Workflows interface {
	Open(ctx context.Context, userID string) *workflow.Coordinator
}

// Recorder counts publish attempts.
type Recorder interface {
	RecordPublish(trigger, status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordPublish(string, string) {}

// Options configures a Service. Idempotency defaults to an in-memory store.
type Options struct {
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration
	Logger         *zap.Logger
	Recorder       Recorder
}

// Service orchestrates a publish across content, LinkedIn and the workflow.
type Service struct {
	posts     Publisher
	contents  Contents
	calendar  Calendar
	workflows Workflows
	idem      IdempotencyStore
	idemTTL   time.Duration
	logger    *zap.Logger
	rec       Recorder
}

// NewService wires the collaborators.
func NewService(posts Publisher, contents Contents, calendar Calendar, workflows Workflows, opts Options) *Service {
	if opts.Idempotency == nil {
		opts.Idempotency = NewMemoryIdempotencyStore()
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &Service{
		posts:     posts,
		contents:  contents,
		calendar:  calendar,
		workflows: workflows,
		idem:      opts.Idempotency,
		idemTTL:   opts.IdempotencyTTL,
		logger:    opts.Logger,
		rec:       opts.Recorder,
	}
}

// PublishNow publishes contentID and clears the user's workflow progress.
// A non-empty idemKey replays the first outcome for the same input.
func (s *Service) PublishNow(ctx context.Context, userID, contentID, visibility, idemKey string) (Outcome, error) {
	if visibility == "" {
		visibility = model.VisibilityPublic
	}
	var key, hash string
	if idemKey != "" {
		key = FormatIdempotencyKey(userID, idemKey)
		hash = inputHash(contentID, visibility)
		cached, found, err := s.idem.Check(ctx, key, hash)
		switch {
		case err != nil && model.HasCode(err, model.ErrConflict):
			return Outcome{}, err
		case err != nil:
			s.logger.Warn("publish: idempotency lookup failed", zap.String("key", key), zap.Error(err))
		case found:
			s.logger.Debug("publish: replaying cached outcome", zap.String("key", key))
			return *cached, nil
		}
	}

	out, err := s.publish(ctx, userID, contentID, visibility, TriggerNow)
	if err != nil {
		return Outcome{}, err
	}
	if key != "" {
		if err := s.idem.Save(ctx, key, hash, out, s.idemTTL); err != nil {
			s.logger.Warn("publish: idempotency save failed", zap.String("key", key), zap.Error(err))
		}
	}
	s.clearProgress(ctx, userID)
	return out, nil
}

// Schedule books contentID for a calendar slot and clears the user's
// workflow progress.
func (s *Service) Schedule(ctx context.Context, userID, contentID, date, clock, tz string) (model.ScheduleEntry, error) {
	if _, err := s.contents.Get(ctx, userID, contentID); err != nil {
		return model.ScheduleEntry{}, err
	}
	entry, err := s.calendar.Create(ctx, userID, model.ScheduleEntry{
		ContentID: contentID,
		Date:      date,
		Time:      clock,
		Timezone:  tz,
	})
	if err != nil {
		return model.ScheduleEntry{}, err
	}
	if _, err := s.contents.MarkScheduled(ctx, userID, contentID); err != nil {
		return model.ScheduleEntry{}, err
	}
	s.clearProgress(ctx, userID)
	return entry, nil
}

func (s *Service) publish(ctx context.Context, userID, contentID, visibility, trigger string) (out Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "publish.post",
		observability.AttrSubjectID.String(userID),
		observability.AttrContentID.String(contentID),
		observability.AttrTrigger.String(trigger),
	)
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		s.rec.RecordPublish(trigger, status)
		observability.EndSpanWithError(span, err)
	}()

	c, err := s.contents.Get(ctx, userID, contentID)
	if err != nil {
		return Outcome{}, err
	}
	if c.Status == model.ContentStatusPublished {
		return Outcome{}, model.NewConflictError("content is already published")
	}

	post, err := s.posts.PublishPost(ctx, userID, postRequest(c, visibility))
	if err != nil {
		return Outcome{}, err
	}
	updated, err := s.contents.MarkPublished(ctx, userID, contentID, post.ID, post.PublishedAt)
	if err != nil {
		s.logger.Error("publish: post is live but content was not updated",
			zap.String("content_id", contentID),
			zap.String("post_id", post.ID),
			zap.Error(err),
		)
		return Outcome{}, err
	}
	s.logger.Info("publish: post published",
		zap.String("content_id", contentID),
		zap.String("post_id", post.ID),
		zap.String("trigger", trigger),
	)
	return Outcome{Content: updated, Post: post}, nil
}

func (s *Service) clearProgress(ctx context.Context, userID string) {
	if s.workflows == nil {
		return
	}
	s.workflows.Open(ctx, userID).ClearProgress()
}

// postRequest renders a draft as post text with hashtags appended.
func postRequest(c model.Content, visibility string) model.PostRequest {
	text := strings.TrimSpace(c.Body)
	if len(c.Hashtags) > 0 {
		tags := make([]string, 0, len(c.Hashtags))
		for _, h := range c.Hashtags {
			h = strings.TrimSpace(h)
			if h == "" {
				continue
			}
			if !strings.HasPrefix(h, "#") {
				h = "#" + h
			}
			tags = append(tags, h)
		}
		if len(tags) > 0 {
			text += "\n\n" + strings.Join(tags, " ")
		}
	}
	req := model.PostRequest{Text: text, Visibility: visibility}
	if c.ImageURL != "" {
		req.Media = []model.MediaAsset{{URL: c.ImageURL, Title: c.Title}}
	}
	return req
}
