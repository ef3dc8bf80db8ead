package model

import "time"

// Content status constants.
const (
	ContentStatusDraft     = "draft"
	ContentStatusScheduled = "scheduled"
	ContentStatusPublished = "published"
	ContentStatusArchived  = "archived"
)

// ValidContentStatus reports whether s is a known content status.
func ValidContentStatus(s string) bool {
	switch s {
	case ContentStatusDraft, ContentStatusScheduled, ContentStatusPublished, ContentStatusArchived:
		return true
	}
	return false
}

// Content is a LinkedIn post draft owned by a single user.
type Content struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	ContentType    string     `json:"content_type,omitempty"`
	Hashtags       []string   `json:"hashtags,omitempty"`
	ImageURL       string     `json:"image_url,omitempty"`
	Status         string     `json:"status"`
	LinkedInPostID string     `json:"linkedin_post_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
}

// Validate checks required fields and the status value.
func (c *Content) Validate() error {
	var details []FieldError
	if c.Body == "" {
		details = append(details, FieldError{Field: "body", Code: "REQUIRED", Message: "body is required"})
	}
	if !ValidContentStatus(c.Status) {
		details = append(details, FieldError{Field: "status", Code: "INVALID", Message: "status must be draft, scheduled, published or archived"})
	}
	if len(details) > 0 {
		return NewValidationError(details)
	}
	return nil
}

// ContentUpdate is a partial update. Nil fields are left untouched.
type ContentUpdate struct {
	Title       *string   `json:"title,omitempty"`
	Body        *string   `json:"body,omitempty"`
	ContentType *string   `json:"content_type,omitempty"`
	Hashtags    *[]string `json:"hashtags,omitempty"`
	ImageURL    *string   `json:"image_url,omitempty"`
	Status      *string   `json:"status,omitempty"`
}

// Apply copies the set fields onto c.
func (u ContentUpdate) Apply(c *Content) {
	if u.Title != nil {
		c.Title = *u.Title
	}
	if u.Body != nil {
		c.Body = *u.Body
	}
	if u.ContentType != nil {
		c.ContentType = *u.ContentType
	}
	if u.Hashtags != nil {
		c.Hashtags = append([]string(nil), (*u.Hashtags)...)
	}
	if u.ImageURL != nil {
		c.ImageURL = *u.ImageURL
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
}

// ContentFilters narrow a content listing.
type ContentFilters struct {
	Status string
	Limit  int
	Offset int
}
