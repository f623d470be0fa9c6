package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/allergoexpress/immunolab/internal/domain/result"
	"github.com/allergoexpress/immunolab/internal/platform/db"
	"github.com/allergoexpress/immunolab/internal/platform/middleware"
	"github.com/allergoexpress/immunolab/migrations"
)

func newService(t *testing.T) *result.Service {
	t.Helper()
	resetResults(t)
	return result.NewService(result.NewResultRepoPG(globalDB.Pool))
}

func ingest(t *testing.T, svc *result.Service, orderID, birthDate, phone, meds string) *result.Record {
	t.Helper()
	rec, err := svc.Ingest(context.Background(), &result.IngestRequest{
		OrderID:     orderID,
		PatientName: "Ivanov I.I.",
		BirthDate:   birthDate,
		Phone:       phone,
		Medications: []byte(meds),
	})
	if err != nil {
		t.Fatalf("ingest %s: %v", orderID, err)
	}
	return rec
}

const oneMed = `[{"name":"Лидокаин","result":"Отрицательный","igE":"< 0.35","level":"отсутствует","class":"0"}]`

func TestResults_RoundTrip(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	ingest(t, svc, "AEM00000001", "1990-04-12", "+7 (701) 555-12-34", oneMed)

	rec, err := svc.Lookup(ctx, result.LookupQuery{OrderID: "AEM00000001", BirthDate: "1990-04-12"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Phone == nil || *rec.Phone != "+77015551234" {
		t.Errorf("expected normalized phone, got %v", rec.Phone)
	}
	if len(rec.Medications) != 1 || rec.Medications[0].Name != "Лидокаин" {
		t.Errorf("unexpected medications %+v", rec.Medications)
	}
	if rec.Date != nil || rec.IIN != nil {
		t.Error("expected absent optional fields to be NULL")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestResults_UpsertOverwritesAndKeepsCreatedAt(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	first := ingest(t, svc, "AEM00000002", "1990-04-12", "+77015551234", oneMed)
	time.Sleep(10 * time.Millisecond)
	second := ingest(t, svc, "AEM00000002", "", "", `[{"name":"Новокаин"},{"name":"Ультракаин","class":2}]`)

	if second.ID != first.ID {
		t.Errorf("expected same row, got ids %d and %d", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("expected created_at preserved, got %v then %v", first.CreatedAt, second.CreatedAt)
	}

	rec, err := svc.GetResult(ctx, "AEM00000002")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.BirthDate != nil || rec.Phone != nil {
		t.Error("expected omitted fields to be overwritten with NULL")
	}
	if len(rec.Medications) != 2 || rec.Medications[1].Class != "2" || rec.Medications[0].IgE != result.DefaultIgE {
		t.Errorf("unexpected medications %+v", rec.Medications)
	}

	var count int
	globalDB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM results WHERE order_id = $1", "AEM00000002").Scan(&count)
	if count != 1 {
		t.Errorf("expected one row, got %d", count)
	}
}

func TestResults_ConcurrentUpserts(t *testing.T) {
	svc := newService(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Ingest(context.Background(), &result.IngestRequest{
				OrderID:     "AEM00000003",
				PatientName: fmt.Sprintf("Patient %d", i),
				Medications: []byte(oneMed),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent ingest: %v", err)
		}
	}

	var count int
	globalDB.Pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM results").Scan(&count)
	if count != 1 {
		t.Errorf("expected exactly one row, got %d", count)
	}
}

func TestResults_LookupRules(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	ingest(t, svc, "AEM00000004", "1985-01-31", "87005550000", oneMed)

	tests := []struct {
		name string
		q    result.LookupQuery
		err  error
	}{
		{"case insensitive", result.LookupQuery{OrderID: "aem00000004"}, nil},
		{"two factor", result.LookupQuery{OrderID: "AEM00000004", BirthDate: "1985-01-31"}, nil},
		{"wrong birth date", result.LookupQuery{OrderID: "AEM00000004", BirthDate: "1985-02-01"}, result.ErrNotFound},
		{"percent is literal", result.LookupQuery{OrderID: "AEM%"}, result.ErrNotFound},
		{"underscore is literal", result.LookupQuery{OrderID: "AEM0000000_"}, result.ErrNotFound},
		{"phone", result.LookupQuery{Phone: "8 (700) 555-00-00"}, nil},
		{"unknown phone", result.LookupQuery{Phone: "+70000000000"}, result.ErrNotFound},
		{"nothing", result.LookupQuery{}, result.ErrMissingSearchParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := svc.Lookup(ctx, tt.q)
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			if tt.err == nil && rec.OrderID != "AEM00000004" {
				t.Errorf("expected AEM00000004, got %s", rec.OrderID)
			}
		})
	}
}

func TestResults_PhoneLookupPrefersNewest(t *testing.T) {
	svc := newService(t)
	ingest(t, svc, "AEM00000005", "", "+77010000000", oneMed)
	time.Sleep(10 * time.Millisecond)
	ingest(t, svc, "AEM00000006", "", "+7 701 000 00 00", oneMed)

	rec, err := svc.Lookup(context.Background(), result.LookupQuery{Phone: "+77010000000"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.OrderID != "AEM00000006" {
		t.Errorf("expected newest record, got %s", rec.OrderID)
	}
}

func TestResults_ListPaging(t *testing.T) {
	svc := newService(t)
	for i := 1; i <= 3; i++ {
		ingest(t, svc, fmt.Sprintf("AEM1000000%d", i), "", "", oneMed)
	}

	items, total, err := svc.ListResults(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected 2 of 3, got %d of %d", len(items), total)
	}
	if items[0].OrderID != "AEM10000003" {
		t.Errorf("expected newest first, got %s", items[0].OrderID)
	}

	items, _, _ = svc.ListResults(context.Background(), 2, 2)
	if len(items) != 1 || items[0].OrderID != "AEM10000001" {
		t.Errorf("unexpected second page %v", items)
	}
}

func TestMigrations_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := db.NewMigratorFS(globalDB.Pool, migrations.Files)

	n, err := m.Up(ctx, db.DefaultSchema)
	if err != nil {
		t.Fatalf("re-run up: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no pending migrations, applied %d", n)
	}

	statuses, err := m.Status(ctx, db.DefaultSchema)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %d %s not applied", s.Version, s.Name)
		}
	}
}

func TestAccessLog_Records(t *testing.T) {
	resetResults(t)
	rec := middleware.NewPGAuditRecorder(globalDB.Pool)

	err := rec.RecordAccess(middleware.AuditEntry{
		Timestamp:  time.Now().UTC(),
		Action:     "lookup",
		LookupMode: "order_id",
		OrderID:    "AEM00000001",
		Method:     "GET",
		Path:       "/get-result",
		IPAddress:  "192.0.2.1",
		StatusCode: 404,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	var action string
	var status int
	err = globalDB.Pool.QueryRow(context.Background(),
		"SELECT action, status FROM result_access_log WHERE order_id = $1", "AEM00000001").Scan(&action, &status)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if action != "lookup" || status != 404 {
		t.Errorf("unexpected row %s %d", action, status)
	}
}
