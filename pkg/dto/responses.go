package dto

import (
	"github.com/google/uuid"

	"github.com/your-org/facegate/internal/models"
)

type WorkflowCreatedResponse struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	Mode       string    `json:"mode"`
	State      string    `json:"state"`
}

type ToggleResponse struct {
	Direction  string                   `json:"direction"`
	Customer   *models.Customer         `json:"customer"`
	Attendance *models.AttendanceRecord `json:"attendance"`
}

type CustomerResponse struct {
	Customer *models.Customer `json:"customer"`
	FaceLink *models.FaceLink `json:"face_link,omitempty"`
	Enrolled bool             `json:"enrolled"`
}
