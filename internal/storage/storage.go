package storage

import (
	"context"
	"errors"

	"github.com/ErmakovEv/pwa-test/internal/models"
)

var (
	ErrInvalidUser     = errors.New("user id is required")
	ErrInvalidEndpoint = errors.New("subscription endpoint is required")
)

// UpsertResult tells the caller where the endpoint landed in the user's
// collection and whether it was appended or replaced an existing one.
type UpsertResult struct {
	Index   int
	Created bool
	Total   int
}

// Registry maps a user id to that user's delivery endpoints. Endpoints are
// unique per identity key and kept in registration order.
type Registry interface {
	Upsert(ctx context.Context, userID string, endpoint models.Endpoint) (UpsertResult, error)
	// ListEndpoints returns an empty slice, not an error, for unknown users.
	ListEndpoints(ctx context.Context, userID string) ([]models.Endpoint, error)
}

// JobStore keeps jobs that are waiting to fire.
type JobStore interface {
	SaveJob(ctx context.Context, job *models.Job) error
	DeleteJob(ctx context.Context, id string) error
	PendingJobs(ctx context.Context) ([]*models.Job, error)
}

func validateUpsert(userID string, endpoint models.Endpoint) error {
	if userID == "" {
		return ErrInvalidUser
	}
	if endpoint.Key() == "" {
		return ErrInvalidEndpoint
	}
	return nil
}
