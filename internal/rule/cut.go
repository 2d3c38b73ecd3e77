package rule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// CutRequest is the on-disk handoff between the rule engine and the
// collector: a time window to cut out of the indexed data, plus record
// metadata. Flag stays false until the window's files are staged.
type CutRequest struct {
	Flag        bool      `json:"flag"`
	ProjectName string    `json:"projectName,omitempty"`
	Record      CutRecord `json:"record"`
	Cut         CutWindow `json:"cut"`
}

type CutRecord struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

type CutWindow struct {
	ExtraFiles []string `json:"extraFiles,omitempty"`
	Start      int64    `json:"start"`
	End        int64    `json:"end"`
}

// NewCutRequest converts an upload action into its cut window. Before
// and after are minutes around the trigger timestamp.
func NewCutRequest(action UploadAction) CutRequest {
	return CutRequest{
		ProjectName: action.ProjectName,
		Record: CutRecord{
			Title:       action.Title,
			Description: action.Description,
			Labels:      action.Labels,
		},
		Cut: CutWindow{
			ExtraFiles: action.ExtraFiles,
			Start:      action.TriggerTs - action.Before*60,
			End:        action.TriggerTs + action.After*60,
		},
	}
}

// CutWriter persists cut requests into a spool directory where the
// collector picks them up.
type CutWriter struct {
	dir string
}

func NewCutWriter(dir string) *CutWriter {
	return &CutWriter{dir: dir}
}

// Write spools one upload action as a uniquely named request file.
func (w *CutWriter) Write(_ context.Context, action UploadAction) error {
	req := NewCutRequest(action)

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("rule: encoding cut request: %w", err)
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("rule: creating cut spool dir: %w", err)
	}

	path := filepath.Join(w.dir, uuid.NewString()+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("rule: writing cut request: %w", err)
	}

	return nil
}
