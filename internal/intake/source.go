package intake

import (
	"context"
	"fmt"
	"time"

	"autoanalysis/internal/models"

	"gorm.io/gorm"
)

// Source is where analysis requests come from.
type Source interface {
	Pending(ctx context.Context) ([]models.AnalysisRequest, error)
	Submitted(ctx context.Context) ([]models.AnalysisRequest, error)
	MarkSubmitted(ctx context.Context, id string) error
	MarkComplete(ctx context.Context, id string) error
}

// GormSource reads requests from the analysis_requests table.
type GormSource struct {
	db *gorm.DB
}

func NewGormSource(db *gorm.DB) *GormSource {
	return &GormSource{db: db}
}

func (s *GormSource) Pending(ctx context.Context) ([]models.AnalysisRequest, error) {
	return s.byStatus(ctx, models.RequestPending)
}

func (s *GormSource) Submitted(ctx context.Context) ([]models.AnalysisRequest, error) {
	return s.byStatus(ctx, models.RequestSubmitted)
}

func (s *GormSource) byStatus(ctx context.Context, status string) ([]models.AnalysisRequest, error) {
	var reqs []models.AnalysisRequest
	if err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&reqs).Error; err != nil {
		return nil, fmt.Errorf("failed to load %s requests: %w", status, err)
	}
	return reqs, nil
}

func (s *GormSource) MarkSubmitted(ctx context.Context, id string) error {
	return s.advance(ctx, id, models.RequestPending, models.RequestSubmitted, "submitted_at")
}

func (s *GormSource) MarkComplete(ctx context.Context, id string) error {
	return s.advance(ctx, id, models.RequestSubmitted, models.RequestComplete, "completed_at")
}

// advance moves a request from one status to the next; a request in any other state is left alone.
func (s *GormSource) advance(ctx context.Context, id, from, to, stampColumn string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&models.AnalysisRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			stampColumn:  now,
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark request %s %s: %w", id, to, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("request %s is not %s", id, from)
	}
	return nil
}
