package model

import "time"

// Profile is the per-user settings row.
type Profile struct {
	UserID               string    `json:"user_id"`
	FullName             string    `json:"full_name"`
	Role                 string    `json:"role,omitempty"`
	Company              string    `json:"company,omitempty"`
	Industry             string    `json:"industry,omitempty"`
	PreferredContentType string    `json:"preferred_content_type,omitempty"`
	LinkedInConnected    bool      `json:"linkedin_connected"`
	OnboardingCompleted  bool      `json:"onboarding_completed"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`

	// Fallback is set when the profile was synthesised because the store
	// could not be read in time.
	Fallback bool `json:"fallback,omitempty"`
}

// DefaultProfile is the usable profile returned when the store is slow or down.
func DefaultProfile(userID string) Profile {
	now := time.Now().UTC()
	return Profile{
		UserID:               userID,
		Industry:             "finance",
		PreferredContentType: "thought_leadership",
		CreatedAt:            now,
		UpdatedAt:            now,
		Fallback:             true,
	}
}

// ProfileUpdate is a partial update. Nil fields are left untouched.
type ProfileUpdate struct {
	FullName             *string `json:"full_name,omitempty"`
	Role                 *string `json:"role,omitempty"`
	Company              *string `json:"company,omitempty"`
	Industry             *string `json:"industry,omitempty"`
	PreferredContentType *string `json:"preferred_content_type,omitempty"`
	LinkedInConnected    *bool   `json:"linkedin_connected,omitempty"`
	OnboardingCompleted  *bool   `json:"onboarding_completed,omitempty"`
}

// Apply copies the set fields onto p.
func (u ProfileUpdate) Apply(p *Profile) {
	if u.FullName != nil {
		p.FullName = *u.FullName
	}
	if u.Role != nil {
		p.Role = *u.Role
	}
	if u.Company != nil {
		p.Company = *u.Company
	}
	if u.Industry != nil {
		p.Industry = *u.Industry
	}
	if u.PreferredContentType != nil {
		p.PreferredContentType = *u.PreferredContentType
	}
	if u.LinkedInConnected != nil {
		p.LinkedInConnected = *u.LinkedInConnected
	}
	if u.OnboardingCompleted != nil {
		p.OnboardingCompleted = *u.OnboardingCompleted
	}
}
