package model

import (
	"slices"
	"time"
)

// Stage is a position in the idea → create → image → pipeline journey.
type Stage string

// Journey stages, in their nominal order.
const (
	StageIdeas    Stage = "ideas"
	StageCreate   Stage = "create"
	StageImage    Stage = "image"
	StagePipeline Stage = "pipeline"
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageIdeas, StageCreate, StageImage, StagePipeline:
		return true
	}
	return false
}

// CreationMode selects the creation sub-flow.
type CreationMode string

// Creation modes.
const (
	CreationModeExpress  CreationMode = "express"
	CreationModeStandard CreationMode = "standard"
	CreationModePower    CreationMode = "power"
)

// Valid reports whether m is one of the known creation modes.
func (m CreationMode) Valid() bool {
	switch m {
	case CreationModeExpress, CreationModeStandard, CreationModePower:
		return true
	}
	return false
}

// ParseCreationMode converts s to a CreationMode, returning INVALID_MODE for
// anything unknown.
func ParseCreationMode(s string) (CreationMode, error) {
	m := CreationMode(s)
	if !m.Valid() {
		return "", NewInvalidModeError(s)
	}
	return m, nil
}

// Source pages that can hand ideation output to the creation stage.
const (
	SourceTalkWithMarcus = "talk_with_marcus"
	SourceIdeaHub        = "idea_hub"
	SourceLibrary        = "library"
)

// IdeationData is the payload the ideation sub-flow hands to creation.
type IdeationData struct {
	Topic      string   `json:"topic"`
	Angle      string   `json:"angle"`
	Takeaways  []string `json:"takeaways"`
	SourcePage string   `json:"source_page"`
	SessionID  string   `json:"session_id,omitempty"`
}

// Validate checks the fields a creation flow cannot work without.
func (d *IdeationData) Validate() error {
	if d.Topic == "" {
		return NewRequiredFieldError("topic")
	}
	return nil
}

// Clone returns a deep copy.
func (d *IdeationData) Clone() *IdeationData {
	if d == nil {
		return nil
	}
	c := *d
	c.Takeaways = slices.Clone(d.Takeaways)
	return &c
}

// WorkflowState is a user's current position in the content-creation journey.
type WorkflowState struct {
	UserID       string        `json:"user_id"`
	SessionID    string        `json:"session_id"`
	CurrentStage Stage         `json:"current_stage"`
	IdeationData *IdeationData `json:"ideation_data,omitempty"`
	CreationMode CreationMode  `json:"creation_mode,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	c := *s
	c.IdeationData = s.IdeationData.Clone()
	return &c
}
