package result

import (
	"context"
	"fmt"
)

type Service struct {
	repo           ResultRepository
	allowOrderOnly bool
}

func NewService(repo ResultRepository) *Service {
	return &Service{repo: repo, allowOrderOnly: true}
}

// SetAllowOrderOnly toggles lookups by order id without a birth date. Links
// printed before birth dates were collected rely on it.
func (s *Service) SetAllowOrderOnly(allow bool) { s.allowOrderOnly = allow }

// AllowOrderOnly reports whether order-id-only lookups are served.
func (s *Service) AllowOrderOnly() bool { return s.allowOrderOnly }

// Ingest validates req and upserts the resulting record by order id. Nothing
// is written when validation fails.
func (s *Service) Ingest(ctx context.Context, req *IngestRequest) (*Record, error) {
	rec, err := req.ToRecord()
	if err != nil {
		return nil, err
	}
	if err := s.repo.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("upsert result %s: %w", rec.OrderID, err)
	}
	return rec, nil
}

// Lookup returns the single record matching q:
//  1. order id and birth date both match (order id case-insensitive)
//  2. order id alone, when order-only lookups are allowed
//  3. the normalized phone
//
// It returns ErrMissingSearchParams when q has neither an order id nor a
// phone and ErrNotFound when nothing matches.
func (s *Service) Lookup(ctx context.Context, q LookupQuery) (*Record, error) {
	mode, err := q.Mode()
	if err != nil {
		return nil, err
	}
	q = q.Normalize()

	switch mode {
	case ModeOrderAndBirthDate:
		return s.repo.GetByOrderIDAndBirthDate(ctx, q.OrderID, q.BirthDate)
	case ModeOrderOnly:
		if !s.allowOrderOnly {
			return nil, ErrNotFound
		}
		return s.repo.GetByOrderID(ctx, q.OrderID)
	default:
		return s.repo.GetByPhone(ctx, q.Phone)
	}
}

// GetResult fetches a record by order id for staff, ignoring the public
// lookup policy.
func (s *Service) GetResult(ctx context.Context, orderID string) (*Record, error) {
	q := LookupQuery{OrderID: orderID}.Normalize()
	if q.OrderID == "" {
		return nil, ErrMissingSearchParams
	}
	return s.repo.GetByOrderID(ctx, q.OrderID)
}

// ListResults returns the most recently created records first.
func (s *Service) ListResults(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	return s.repo.List(ctx, limit, offset)
}
