package transport

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/postcraft/internal/linkedin"
	"github.com/pitabwire/postcraft/internal/observability"
	"github.com/pitabwire/postcraft/internal/profile"
	"github.com/pitabwire/postcraft/model"
)

func handleLinkedInAuthorize(oauth *linkedin.OAuth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authURL, state, err := oauth.AuthorizeURL(userID(r))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"url": authURL, "state": state})
	}
}

// handleLinkedInCallback is the OAuth redirect target. It is public: the
// state nonce identifies the user. With a success URL configured the browser
// is sent back to the dashboard, otherwise the result is JSON.
func handleLinkedInCallback(oauth *linkedin.OAuth, profiles *profile.Service, successURL string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var err error
		if reason := q.Get("error"); reason != "" {
			err = model.NewAuthFailureError("linkedin authorization was denied: " + reason)
			oauth.Exchange(r.Context(), q.Get("state"), "") // consumes the state
		} else {
			var uid string
			uid, _, err = oauth.Exchange(r.Context(), q.Get("state"), q.Get("code"))
			if err == nil {
				connected := true
				if _, perr := profiles.Update(r.Context(), uid, model.ProfileUpdate{LinkedInConnected: &connected}); perr != nil {
					observability.LoggerFrom(r.Context(), logger).Warn("linkedin: could not flag profile as connected",
						zap.String("user_id", uid), zap.Error(perr))
				}
			}
		}

		if successURL == "" {
			if err != nil {
				WriteError(w, r, err)
				return
			}
			WriteJSON(w, http.StatusOK, map[string]bool{"connected": true})
			return
		}
		http.Redirect(w, r, callbackRedirect(successURL, err), http.StatusFound)
	}
}

func callbackRedirect(base string, err error) string {
	u, perr := url.Parse(base)
	if perr != nil {
		return base
	}
	q := u.Query()
	if err != nil {
		q.Set("linkedin", "error")
		if ee, ok := model.AsEnvelope(err); ok {
			q.Set("code", ee.Code)
		}
	} else {
		q.Set("linkedin", "connected")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func handleLinkedInDisconnect(oauth *linkedin.OAuth, profiles *profile.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		if err := oauth.Disconnect(r.Context(), uid); err != nil {
			WriteError(w, r, model.NewPersistenceFailureError("could not remove linkedin token").WithCause(err))
			return
		}
		connected := false
		profiles.Update(r.Context(), uid, model.ProfileUpdate{LinkedInConnected: &connected})
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleLinkedInProfile(client *linkedin.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := client.Profile(r.Context(), userID(r))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

func handleLinkedInMetrics(client *linkedin.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := client.PostMetrics(r.Context(), userID(r), chi.URLParam(r, "postId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, m)
	}
}
