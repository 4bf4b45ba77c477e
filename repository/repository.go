package repository

import (
	"context"

	"github.com/nijaru/vidscribe/models"
)

type JobRepository interface {
	Save(ctx context.Context, rec *models.JobRecord) error
	Find(ctx context.Context, h models.JobHandle) (*models.JobRecord, error)
	ListByState(ctx context.Context, state models.JobState, limit int) ([]*models.JobRecord, error)
}
