package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type resultRepoPG struct{ db queryable }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository {
	return &resultRepoPG{db: pool}
}

const resultCols = `id, order_id, patient_name, phone, date, birth_date,
	iin, gender, address, customer, sample_date, registration_date,
	medications, created_at`

func (r *resultRepoPG) scanRow(row pgx.Row) (*Record, error) {
	var rec Record
	var meds []byte
	err := row.Scan(&rec.ID, &rec.OrderID, &rec.PatientName, &rec.Phone, &rec.Date, &rec.BirthDate,
		&rec.IIN, &rec.Gender, &rec.Address, &rec.Customer, &rec.SampleDate, &rec.RegistrationDate,
		&meds, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Medications = []Medication{}
	if len(meds) > 0 {
		decoded, err := decodeStoredMedications(meds)
		if err != nil {
			return nil, fmt.Errorf("decode medications for %s: %w", rec.OrderID, err)
		}
		rec.Medications = decoded
	}
	return &rec, nil
}

func (r *resultRepoPG) Upsert(ctx context.Context, rec *Record) error {
	meds, err := json.Marshal(rec.Medications)
	if err != nil {
		return fmt.Errorf("encode medications: %w", err)
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO results (order_id, patient_name, phone, date, birth_date,
			iin, gender, address, customer, sample_date, registration_date, medications)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (order_id) DO UPDATE SET
			patient_name = EXCLUDED.patient_name,
			phone = EXCLUDED.phone,
			date = EXCLUDED.date,
			birth_date = EXCLUDED.birth_date,
			iin = EXCLUDED.iin,
			gender = EXCLUDED.gender,
			address = EXCLUDED.address,
			customer = EXCLUDED.customer,
			sample_date = EXCLUDED.sample_date,
			registration_date = EXCLUDED.registration_date,
			medications = EXCLUDED.medications
		RETURNING id, created_at`,
		rec.OrderID, rec.PatientName, rec.Phone, rec.Date, rec.BirthDate,
		rec.IIN, rec.Gender, rec.Address, rec.Customer, rec.SampleDate, rec.RegistrationDate,
		string(meds)).Scan(&rec.ID, &rec.CreatedAt)
}

func (r *resultRepoPG) GetByOrderID(ctx context.Context, orderID string) (*Record, error) {
	return r.scanRow(r.db.QueryRow(ctx,
		`SELECT `+resultCols+` FROM results WHERE lower(order_id) = lower($1) LIMIT 1`, orderID))
}

func (r *resultRepoPG) GetByOrderIDAndBirthDate(ctx context.Context, orderID, birthDate string) (*Record, error) {
	return r.scanRow(r.db.QueryRow(ctx,
		`SELECT `+resultCols+` FROM results WHERE lower(order_id) = lower($1) AND birth_date = $2 LIMIT 1`,
		orderID, birthDate))
}

func (r *resultRepoPG) GetByPhone(ctx context.Context, phone string) (*Record, error) {
	return r.scanRow(r.db.QueryRow(ctx,
		`SELECT `+resultCols+` FROM results WHERE phone = $1 ORDER BY created_at DESC LIMIT 1`, phone))
}

func (r *resultRepoPG) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM results`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+resultCols+` FROM results ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}
