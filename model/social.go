package model

import "time"

// Post visibility values accepted by LinkedIn.
const (
	VisibilityPublic      = "PUBLIC"
	VisibilityConnections = "CONNECTIONS"
)

// SocialProfile is the connected LinkedIn member.
type SocialProfile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email,omitempty"`
	PictureURL string `json:"picture,omitempty"`
}

// MediaAsset is an image or article attached to a post.
type MediaAsset struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// PostRequest is a post to publish.
type PostRequest struct {
	Text       string       `json:"text"`
	Visibility string       `json:"visibility"`
	Media      []MediaAsset `json:"media,omitempty"`
}

// Validate checks required fields and normalises visibility.
func (r *PostRequest) Validate() error {
	if r.Text == "" {
		return NewRequiredFieldError("text")
	}
	switch r.Visibility {
	case "":
		r.Visibility = VisibilityPublic
	case VisibilityPublic, VisibilityConnections:
	default:
		return NewValidationError([]FieldError{{
			Field: "visibility", Code: "INVALID", Message: "visibility must be PUBLIC or CONNECTIONS",
		}})
	}
	return nil
}

// PostResult identifies a published post.
type PostResult struct {
	ID          string    `json:"id"`
	PublishedAt time.Time `json:"published_at"`
}

// PostMetrics are the engagement counters of a post.
type PostMetrics struct {
	PostID   string `json:"post_id"`
	Likes    int    `json:"likes"`
	Comments int    `json:"comments"`
}

// SocialToken is a stored OAuth token for one user.
type SocialToken struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Scope        string    `json:"scope,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// GeneratedImage is an image produced for a post.
type GeneratedImage struct {
	URL       string    `json:"url"`
	Prompt    string    `json:"prompt"`
	Style     string    `json:"style,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
