//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kickradar/kickradar/internal/schema"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "kickradar"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	exitCode := 0
	if err := initialiseDatabase(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests skipped: %v\n", err)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/kickradar?sslmode=disable", host, port.Port())

	if err := Migrate(ctx, dsn, ""); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}
	testPool = pool
	return nil
}

func sampleRecord(itemKey string) schema.ParsedRecord {
	return schema.ParsedRecord{
		Source:    "nike",
		ItemKey:   itemKey,
		Title:     "Air Jordan 4 Bred",
		Price:     decimal.RequireFromString("210.00"),
		Currency:  "USD",
		Available: true,
		Sizes: []schema.SizeDetail{
			{Size: "9.5", InStock: true},
			{Size: "10", InStock: false},
		},
		Confidence: 0.95,
		Strategy:   "jsonld",
		ObservedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewPostgresStore(testPool)

	if err := s.Save(ctx, sampleRecord("aj4-roundtrip")); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := s.Load(ctx, "aj4-roundtrip")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("record not found after save")
	}
	if got.Source != "nike" || got.Title != "Air Jordan 4 Bred" || !got.Available {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.Price.Equal(decimal.RequireFromString("210.00")) || got.Currency != "USD" {
		t.Fatalf("price round-trip: %s %s", got.Price, got.Currency)
	}
	if len(got.Sizes) != 2 || got.Sizes[0].Size != "9.5" || !got.Sizes[0].InStock {
		t.Fatalf("sizes round-trip: %+v", got.Sizes)
	}
}

func TestPostgresStoreUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewPostgresStore(testPool)

	if err := s.Save(ctx, sampleRecord("aj4-upsert")); err != nil {
		t.Fatalf("initial save: %v", err)
	}
	updated := sampleRecord("aj4-upsert")
	updated.Price = decimal.RequireFromString("180.00")
	updated.Available = false
	if err := s.Save(ctx, updated); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := s.Load(ctx, "aj4-upsert")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !got.Price.Equal(decimal.RequireFromString("180.00")) || got.Available {
		t.Fatalf("upsert did not replace: %+v", got)
	}
}

func TestPostgresStoreMissingKey(t *testing.T) {
	_, ok, err := NewPostgresStore(testPool).Load(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestPostgresStoreUnpricedRecord(t *testing.T) {
	ctx := context.Background()
	s := NewPostgresStore(testPool)

	rec := sampleRecord("aj4-unpriced")
	rec.Price = decimal.Decimal{}
	rec.Currency = ""
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.Load(ctx, "aj4-unpriced")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.HasPrice() {
		t.Fatalf("expected unpriced record, got %s", got.Price)
	}
}
