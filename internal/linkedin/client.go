package linkedin

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/pitabwire/postcraft/internal/backend"
	"github.com/pitabwire/postcraft/model"
)

// TokenSource hands out access tokens per user. *OAuth satisfies it.
type TokenSource interface {
	Token(ctx context.Context, userID string) (*oauth2.Token, error)
}

// Client calls the LinkedIn REST API as a connected user.
type Client struct {
	api    *backend.Client
	tokens TokenSource
	now    func() time.Time
}

// NewClient wraps api, which must point at https://api.linkedin.com.
func NewClient(api *backend.Client, tokens TokenSource) *Client {
	return &Client{
		api:    api,
		tokens: tokens,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Profile returns the member behind userID's token.
func (c *Client) Profile(ctx context.Context, userID string) (model.SocialProfile, error) {
	tok, err := c.tokens.Token(ctx, userID)
	if err != nil {
		return model.SocialProfile{}, err
	}
	return c.userinfo(ctx, tok.AccessToken)
}

func (c *Client) userinfo(ctx context.Context, accessToken string) (model.SocialProfile, error) {
	resp, err := c.api.Do(ctx, backend.Request{
		Operation: "linkedin.userinfo",
		Method:    http.MethodGet,
		Path:      "/v2/userinfo",
		Bearer:    accessToken,
	})
	if err != nil {
		return model.SocialProfile{}, authAware(err)
	}

	var info struct {
		Sub        string `json:"sub"`
		Name       string `json:"name"`
		GivenName  string `json:"given_name"`
		FamilyName string `json:"family_name"`
		Email      string `json:"email"`
		Picture    string `json:"picture"`
	}
	if err := resp.DecodeJSON(&info); err != nil {
		return model.SocialProfile{}, err
	}
	if info.Sub == "" {
		return model.SocialProfile{}, model.NewExternalServiceError(c.api.Name(), "userinfo has no subject")
	}
	return model.SocialProfile{
		ID:         info.Sub,
		Name:       info.Name,
		GivenName:  info.GivenName,
		FamilyName: info.FamilyName,
		Email:      info.Email,
		PictureURL: info.Picture,
	}, nil
}

// ugcPost is the body of POST /v2/ugcPosts.
type ugcPost struct {
	Author          string              `json:"author"`
	LifecycleState  string              `json:"lifecycleState"`
	SpecificContent map[string]ugcShare `json:"specificContent"`
	Visibility      map[string]string   `json:"visibility"`
}

type ugcShare struct {
	ShareCommentary    ugcText    `json:"shareCommentary"`
	ShareMediaCategory string     `json:"shareMediaCategory"`
	Media              []ugcMedia `json:"media,omitempty"`
}

type ugcText struct {
	Text string `json:"text"`
}

type ugcMedia struct {
	Status      string   `json:"status"`
	OriginalURL string   `json:"originalUrl"`
	Title       *ugcText `json:"title,omitempty"`
	Description *ugcText `json:"description,omitempty"`
}

// PublishPost shares req on the member's feed.
func (c *Client) PublishPost(ctx context.Context, userID string, req model.PostRequest) (model.PostResult, error) {
	if err := req.Validate(); err != nil {
		return model.PostResult{}, err
	}
	tok, err := c.tokens.Token(ctx, userID)
	if err != nil {
		return model.PostResult{}, err
	}
	member, err := c.userinfo(ctx, tok.AccessToken)
	if err != nil {
		return model.PostResult{}, err
	}

	share := ugcShare{
		ShareCommentary:    ugcText{Text: req.Text},
		ShareMediaCategory: "NONE",
	}
	for _, m := range req.Media {
		media := ugcMedia{Status: "READY", OriginalURL: m.URL}
		if m.Title != "" {
			media.Title = &ugcText{Text: m.Title}
		}
		if m.Description != "" {
			media.Description = &ugcText{Text: m.Description}
		}
		share.Media = append(share.Media, media)
	}
	if len(share.Media) > 0 {
		share.ShareMediaCategory = "ARTICLE"
	}

	resp, err := c.api.Do(ctx, backend.Request{
		Operation: "linkedin.publish",
		Method:    http.MethodPost,
		Path:      "/v2/ugcPosts",
		Bearer:    tok.AccessToken,
		Header:    http.Header{"X-Restli-Protocol-Version": {"2.0.0"}},
		Body: ugcPost{
			Author:          "urn:li:person:" + member.ID,
			LifecycleState:  "PUBLISHED",
			SpecificContent: map[string]ugcShare{"com.linkedin.ugc.ShareContent": share},
			Visibility:      map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": req.Visibility},
		},
	})
	if err != nil {
		return model.PostResult{}, authAware(err)
	}

	id := resp.Header.Get("X-RestLi-Id")
	if id == "" && len(resp.Body) > 0 {
		var body struct {
			ID string `json:"id"`
		}
		if err := resp.DecodeJSON(&body); err != nil {
			return model.PostResult{}, err
		}
		id = body.ID
	}
	if id == "" {
		return model.PostResult{}, model.NewExternalServiceError(c.api.Name(), "publish response has no post id")
	}
	return model.PostResult{ID: id, PublishedAt: c.now()}, nil
}

// PostMetrics returns like and comment counts for postID.
func (c *Client) PostMetrics(ctx context.Context, userID, postID string) (model.PostMetrics, error) {
	if strings.TrimSpace(postID) == "" {
		return model.PostMetrics{}, model.NewRequiredFieldError("post_id")
	}
	tok, err := c.tokens.Token(ctx, userID)
	if err != nil {
		return model.PostMetrics{}, err
	}

	resp, err := c.api.Do(ctx, backend.Request{
		Operation: "linkedin.metrics",
		Method:    http.MethodGet,
		Path:      "/v2/socialActions/" + escapeURN(postID),
		Bearer:    tok.AccessToken,
		Header:    http.Header{"X-Restli-Protocol-Version": {"2.0.0"}},
	})
	if err != nil {
		return model.PostMetrics{}, authAware(err)
	}

	var body struct {
		LikesSummary struct {
			TotalLikes int `json:"totalLikes"`
		} `json:"likesSummary"`
		CommentsSummary struct {
			AggregatedTotalComments int `json:"aggregatedTotalComments"`
		} `json:"commentsSummary"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return model.PostMetrics{}, err
	}
	return model.PostMetrics{
		PostID:   postID,
		Likes:    body.LikesSummary.TotalLikes,
		Comments: body.CommentsSummary.AggregatedTotalComments,
	}, nil
}

// authAware turns a 401 from LinkedIn into AUTH_FAILURE so the user is
// asked to reconnect.
func authAware(err error) error {
	if backend.StatusCodeOf(err) == http.StatusUnauthorized {
		return model.NewAuthFailureError("linkedin rejected the access token, reconnect your account").WithCause(err)
	}
	return err
}

// escapeURN escapes a URN for use as a path segment. LinkedIn requires the
// colons encoded.
func escapeURN(urn string) string {
	return strings.ReplaceAll(url.PathEscape(urn), ":", "%3A")
}
