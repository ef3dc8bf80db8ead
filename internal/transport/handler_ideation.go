package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/postcraft/internal/ideation"
	"github.com/pitabwire/postcraft/internal/imagegen"
)

func handleIdeationMessage(svc *ideation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message     string `json:"message"`
			SessionID   string `json:"session_id"`
			ContentType string `json:"content_type"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}
		reply, err := svc.Send(r.Context(), userID(r), body.SessionID, body.Message, body.ContentType)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, reply)
	}
}

// handleIdeationClose runs when the conversational view closes. It is
// idempotent.
func handleIdeationClose(svc *ideation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.Close(userID(r), chi.URLParam(r, "sessionId"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleImageGenerate(gen imagegen.Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req imagegen.Request
		if err := decodeJSON(r, &req, false); err != nil {
			WriteError(w, r, err)
			return
		}
		img, err := gen.Generate(r.Context(), req)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, img)
	}
}
