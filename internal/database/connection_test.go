package database

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jcvi-cohort-engine/internal/domain"
	"github.com/jcvi-cohort-engine/internal/eventstore"
	"github.com/jcvi-cohort-engine/internal/results"
	"github.com/jcvi-cohort-engine/pkg/formula"
)

func TestDSN(t *testing.T) {
	got := DSN(domain.DatabaseConfig{
		Host: "db", Port: 5433, Database: "cohort",
		Username: "app", Password: "secret", SSLMode: "require",
	})
	want := "host=db port=5433 dbname=cohort user=app password=secret sslmode=require"
	if got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestNewMigrationRunner_EmbeddedSource(t *testing.T) {
	entries, err := embeddedMigrations.ReadDir("migrations")
	if err != nil {
		t.Fatalf("Failed to read embedded migrations: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("Expected 4 embedded migration files, got %d", len(entries))
	}
}

func TestDatabaseConnection(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}
	ctx := context.Background()

	// Start PostgreSQL container
	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	config := domain.DatabaseConfig{
		Host:            host,
		Port:            port.Int(),
		Database:        "testdb",
		Username:        "testuser",
		Password:        "testpass",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	runner, err := NewMigrationRunner(connStr, "", logger)
	if err != nil {
		t.Fatalf("Failed to create migration runner: %v", err)
	}
	defer runner.Close()

	status, err := runner.Status()
	if err != nil {
		t.Fatalf("Failed to read migration status: %v", err)
	}
	if status.Initialised {
		t.Errorf("Expected a fresh database, got version %d", status.Version)
	}

	if err := runner.Up(ctx); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	if err := runner.Up(ctx); err != nil {
		t.Errorf("Re-running migrations should be a no-op: %v", err)
	}

	status, err = runner.Status()
	if err != nil {
		t.Fatalf("Failed to read migration status: %v", err)
	}
	if status.Version != 2 || status.Dirty {
		t.Errorf("Expected clean version 2, got %+v", status)
	}

	db, err := NewConnection(ctx, config, logger)
	if err != nil {
		t.Fatalf("Failed to create database connection: %v", err)
	}
	defer db.Close()

	if err := db.Health(ctx); err != nil {
		t.Fatalf("Database health check failed: %v", err)
	}

	t.Run("event source", func(t *testing.T) {
		source := eventstore.NewPostgresSource(db.Pool)
		bmi := 31.5
		patient := &domain.Patient{
			ID:          "p1",
			Sex:         domain.Female,
			DateOfBirth: time.Date(1950, 6, 1, 0, 0, 0, 0, time.UTC),
			Events: []domain.Event{
				{Code: "22K..", System: domain.CTV3, Date: time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC), Value: &bmi},
				{Code: "C10..", System: domain.CTV3, Date: time.Date(2015, 1, 10, 0, 0, 0, 0, time.UTC)},
			},
		}
		if err := source.Import(ctx, patient); err != nil {
			t.Fatalf("Failed to import patient: %v", err)
		}

		got, err := source.Fetch(ctx, "p1")
		if err != nil {
			t.Fatalf("Failed to fetch patient: %v", err)
		}
		if got.Sex != domain.Female || len(got.Events) != 2 {
			t.Errorf("Unexpected patient %+v", got)
		}

		ids, err := source.PatientIDs(ctx)
		if err != nil {
			t.Fatalf("Failed to list patients: %v", err)
		}
		if len(ids) != 1 || ids[0] != "p1" {
			t.Errorf("PatientIDs() = %v, want [p1]", ids)
		}
	})

	t.Run("results store", func(t *testing.T) {
		store, err := results.NewPostgresStoreFromURL(connStr)
		if err != nil {
			t.Fatalf("Failed to open results store: %v", err)
		}
		defer store.Close()

		rec := &results.Record{
			RunID:     "run-1",
			PatientID: "p1",
			Status:    results.StatusOK,
			Names:     []string{"age_1", "jcvi_group"},
			Values: map[string]formula.Value{
				"age_1":      formula.Number(70),
				"jcvi_group": formula.Category("03"),
			},
		}
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("Failed to save record: %v", err)
		}

		got, err := store.Get(ctx, "run-1", "p1")
		if err != nil || got == nil {
			t.Fatalf("Failed to get record: %v", err)
		}
		if got.Get("jcvi_group").String() != "03" {
			t.Errorf("jcvi_group = %s, want 03", got.Get("jcvi_group"))
		}
	})

	stats := db.Stats()
	if stats.TotalConns() == 0 {
		t.Error("Expected at least one connection in pool")
	}

	t.Logf("Connection pool stats: Total=%d, Idle=%d, Used=%d",
		stats.TotalConns(), stats.IdleConns(), stats.AcquiredConns())

	if err := runner.Down(ctx); err != nil {
		t.Errorf("Failed to roll back migration: %v", err)
	}
}
