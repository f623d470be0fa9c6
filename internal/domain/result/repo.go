package result

import (
	"context"
)

// ResultRepository persists result records. Every method is a single statement.
type ResultRepository interface {
	// Upsert inserts the record or overwrites every column but created_at
	// of the row with the same order_id. ID and CreatedAt are filled in.
	Upsert(ctx context.Context, r *Record) error
	GetByOrderID(ctx context.Context, orderID string) (*Record, error)
	GetByOrderIDAndBirthDate(ctx context.Context, orderID, birthDate string) (*Record, error)
	GetByPhone(ctx context.Context, phone string) (*Record, error)
	List(ctx context.Context, limit, offset int) ([]*Record, int, error)
}
