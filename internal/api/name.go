package api

import (
	"fmt"
	"strings"
)

// RecordName is a parsed record resource name. Accepted shapes:
//
//	warehouses/<id>/projects/<id>/records/<id>
//	projects/<id>/records/<id>
type RecordName struct {
	Name        string
	WarehouseID string // empty for the short form
	ProjectID   string
	RecordID    string
}

// ParseRecordName parses a record resource name, rejecting any other shape.
func ParseRecordName(name string) (RecordName, error) {
	parts := strings.Split(name, "/")

	switch {
	case len(parts) == 4 && parts[0] == "projects" && parts[2] == "records":
		return RecordName{Name: name, ProjectID: parts[1], RecordID: parts[3]}, nil
	case len(parts) == 6 && parts[0] == "warehouses" && parts[2] == "projects" && parts[4] == "records":
		return RecordName{Name: name, WarehouseID: parts[1], ProjectID: parts[3], RecordID: parts[5]}, nil
	default:
		return RecordName{}, fmt.Errorf("invalid record name %q", name)
	}
}

// Simple returns the warehouse-less form used for object-store keys.
func (r RecordName) Simple() string {
	return fmt.Sprintf("projects/%s/records/%s", r.ProjectID, r.RecordID)
}

// ProjectName is a parsed project resource name. Accepted shapes:
//
//	warehouses/<id>/projects/<id>
//	projects/<id>
type ProjectName struct {
	Name        string
	WarehouseID string
	ProjectID   string
}

// ParseProjectName parses a project resource name, rejecting any other shape.
func ParseProjectName(name string) (ProjectName, error) {
	parts := strings.Split(name, "/")

	switch {
	case len(parts) == 2 && parts[0] == "projects":
		return ProjectName{Name: name, ProjectID: parts[1]}, nil
	case len(parts) == 4 && parts[0] == "warehouses" && parts[2] == "projects":
		return ProjectName{Name: name, WarehouseID: parts[1], ProjectID: parts[3]}, nil
	default:
		return ProjectName{}, fmt.Errorf("invalid project name %q", name)
	}
}

// NewProjectName builds a ProjectName from ids; warehouseID may be empty.
func NewProjectName(warehouseID, projectID string) ProjectName {
	if warehouseID == "" {
		return ProjectName{Name: "projects/" + projectID, ProjectID: projectID}
	}

	return ProjectName{
		Name:        fmt.Sprintf("warehouses/%s/projects/%s", warehouseID, projectID),
		WarehouseID: warehouseID,
		ProjectID:   projectID,
	}
}
