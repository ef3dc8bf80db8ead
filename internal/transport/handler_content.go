package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/postcraft/internal/content"
	"github.com/pitabwire/postcraft/internal/publish"
	"github.com/pitabwire/postcraft/internal/schedule"
	"github.com/pitabwire/postcraft/model"
)

func handleContentList(contents *content.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		items, err := contents.List(r.Context(), userID(r), model.ContentFilters{
			Status: q.Get("status"),
			Limit:  queryInt(r, "limit", 50),
			Offset: queryInt(r, "offset", 0),
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": items})
	}
}

func handleContentCreate(contents *content.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var c model.Content
		if err := decodeJSON(r, &c, false); err != nil {
			WriteError(w, r, err)
			return
		}
		created, err := contents.Create(r.Context(), userID(r), c)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleContentGet(contents *content.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := contents.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleContentUpdate(contents *content.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var upd model.ContentUpdate
		if err := decodeJSON(r, &upd, false); err != nil {
			WriteError(w, r, err)
			return
		}
		c, err := contents.Update(r.Context(), userID(r), chi.URLParam(r, "id"), upd)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleContentDelete(contents *content.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := contents.Delete(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleContentPublish(pub *publish.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Visibility string `json:"visibility"`
		}
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, r, err)
			return
		}
		out, err := pub.PublishNow(r.Context(), userID(r), chi.URLParam(r, "id"),
			body.Visibility, r.Header.Get("X-Idempotency-Key"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func handleScheduleList(entries *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			items []model.ScheduleEntry
			err   error
		)
		if contentID := r.URL.Query().Get("content_id"); contentID != "" {
			items, err = entries.ListByContent(r.Context(), userID(r), contentID)
		} else {
			items, err = entries.List(r.Context(), userID(r))
		}
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": items})
	}
}

func handleScheduleCreate(pub *publish.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ContentID string `json:"content_id"`
			Date      string `json:"date"`
			Time      string `json:"time"`
			Timezone  string `json:"timezone"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}
		if body.Timezone == "" {
			body.Timezone = model.MustRequestContext(r.Context()).Timezone
		}
		if body.ContentID == "" {
			WriteError(w, r, model.NewRequiredFieldError("content_id"))
			return
		}
		e, err := pub.Schedule(r.Context(), userID(r), body.ContentID, body.Date, body.Time, body.Timezone)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, e)
	}
}

func handleScheduleCancel(entries *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := entries.Cancel(r.Context(), userID(r), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, e)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return def
	}
	return v
}
