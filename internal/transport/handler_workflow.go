package transport

import (
	"net/http"

	"github.com/pitabwire/postcraft/internal/workflow"
	"github.com/pitabwire/postcraft/model"
)

// workflowResponse wraps the state so an absent session encodes as
// {"state": null}.
type workflowResponse struct {
	State *model.WorkflowState `json:"state"`
}

// Persistence results are never awaited here: a failed write is logged by the
// coordinator and the in-memory transition stands.

func handleWorkflowGet(sessions *workflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := sessions.Open(r.Context(), userID(r))
		WriteJSON(w, http.StatusOK, workflowResponse{State: c.State()})
	}
}

func handleWorkflowStart(sessions *workflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			InitialTopic string `json:"initial_topic"`
		}
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, r, err)
			return
		}
		state, _ := sessions.Open(r.Context(), userID(r)).StartIdeation(body.InitialTopic)
		WriteJSON(w, http.StatusOK, workflowResponse{State: state})
	}
}

func handleWorkflowCreate(sessions *workflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Mode         string              `json:"mode"`
			IdeationData *model.IdeationData `json:"ideation_data"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}
		if body.IdeationData != nil {
			if err := body.IdeationData.Validate(); err != nil {
				WriteError(w, r, err)
				return
			}
		}
		c := sessions.Open(r.Context(), userID(r))
		if _, err := c.MoveToCreate(body.Mode, body.IdeationData); err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, workflowResponse{State: c.State()})
	}
}

func handleWorkflowImage(sessions *workflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := sessions.Open(r.Context(), userID(r))
		c.MoveToImageStage()
		WriteJSON(w, http.StatusOK, workflowResponse{State: c.State()})
	}
}

func handleWorkflowPipeline(sessions *workflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := sessions.Open(r.Context(), userID(r))
		c.MoveToPipelineStage()
		WriteJSON(w, http.StatusOK, workflowResponse{State: c.State()})
	}
}

func handleWorkflowClear(sessions *workflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions.Open(r.Context(), userID(r)).ClearProgress()
		w.WriteHeader(http.StatusNoContent)
	}
}
