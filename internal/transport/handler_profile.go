package transport

import (
	"net/http"

	"github.com/pitabwire/postcraft/internal/profile"
	"github.com/pitabwire/postcraft/model"
)

func handleProfileGet(profiles *profile.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, profiles.Load(r.Context(), userID(r)))
	}
}

func handleProfileUpdate(profiles *profile.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var upd model.ProfileUpdate
		if err := decodeJSON(r, &upd, false); err != nil {
			WriteError(w, r, err)
			return
		}
		p, err := profiles.Update(r.Context(), userID(r), upd)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}
