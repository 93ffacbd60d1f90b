package models

import (
	"time"
)

// Request lifecycle on the submission side.
const (
	RequestPending   = "pending"
	RequestSubmitted = "submitted"
	RequestComplete  = "complete"
)

// AnalysisRequest is one job asked for by a user. Rows are created by the request
// front end; the submission daemon only advances their status.
type AnalysisRequest struct {
	ID            string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	JobName       string     `gorm:"not null;uniqueIndex;type:varchar(255)" json:"job_name"`
	WorkflowPaths string     `gorm:"not null;type:text" json:"workflow_paths"` // comma separated
	Requester     string     `gorm:"type:varchar(255)" json:"requester"`
	Status        string     `gorm:"not null;type:varchar(50);default:'pending';index" json:"status"`
	CreatedAt     time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func (AnalysisRequest) TableName() string {
	return "analysis_requests"
}
