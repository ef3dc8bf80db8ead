package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/pitabwire/postcraft/model"
)

func encodeState(s *model.WorkflowState) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow state: %w", err)
	}
	return data, nil
}

// decodeState parses a persisted record and rejects anything the coordinator
// could not resume from.
func decodeState(data []byte) (*model.WorkflowState, error) {
	var s model.WorkflowState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal workflow state: %w", err)
	}
	if !s.CurrentStage.Valid() {
		return nil, fmt.Errorf("unknown stage %q", s.CurrentStage)
	}
	if s.CreationMode != "" && !s.CreationMode.Valid() {
		return nil, fmt.Errorf("unknown creation mode %q", s.CreationMode)
	}
	if s.SessionID == "" {
		return nil, fmt.Errorf("missing session_id")
	}
	return &s, nil
}
