package eventstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcvi-cohort-engine/internal/domain"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// countingSource counts backend calls and can be told to fail.
type countingSource struct {
	inner Source
	calls atomic.Int32
	err   error
}

func (c *countingSource) Fetch(ctx context.Context, patientID string) (*domain.Patient, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.Fetch(ctx, patientID)
}

func (c *countingSource) PatientIDs(ctx context.Context) ([]string, error) {
	return c.inner.PatientIDs(ctx)
}

func TestMemorySource(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource(samplePatient(), &domain.Patient{ID: "p0"})

	p, err := src.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, p.Events, 8)

	_, err = src.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ids, err := src.PatientIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "p1"}, ids)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.Fetch(cancelled, "p1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLiteSource_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src, err := NewSQLiteSource(filepath.Join(t.TempDir(), "extract", "events.db"))
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Import(ctx, samplePatient(), &domain.Patient{ID: "p2", Sex: domain.Male}))

	p, err := src.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.Female, p.Sex)
	assert.Equal(t, "1950-06-01", domain.FormatDate(p.DateOfBirth))
	require.Len(t, p.Events, 8)
	assert.Equal(t, "2015-01-01", domain.FormatDate(p.Events[0].Date), "events come back in date order")

	h := NewHistory(p)
	v, ok := h.NumericValue("p1", bmi, domain.Unbounded(), domain.MostRecent)
	require.True(t, ok)
	assert.Equal(t, 38.2, v)
	assert.Equal(t, 2, h.CountEvents("p1", asthma, domain.Unbounded()))

	p2, err := src.Fetch(ctx, "p2")
	require.NoError(t, err)
	assert.True(t, p2.DateOfBirth.IsZero())
	assert.Empty(t, p2.Events)

	_, err = src.Fetch(ctx, "p3")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ids, err := src.PatientIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, ids)
}

func TestSQLiteSource_ImportReplacesEvents(t *testing.T) {
	ctx := context.Background()
	src, err := NewSQLiteSource(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Import(ctx, samplePatient()))
	require.NoError(t, src.Import(ctx, &domain.Patient{
		ID:     "p1",
		Sex:    domain.Female,
		Events: []domain.Event{ev("195967001", domain.SNOMED, "2021-01-05")},
	}))

	p, err := src.Fetch(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, p.Events, 1)
	assert.Equal(t, "2021-01-05", domain.FormatDate(p.Events[0].Date))
}

func TestCachedSource_MemoryTier(t *testing.T) {
	ctx := context.Background()
	backend := &countingSource{inner: NewMemorySource(samplePatient())}

	cached, err := NewCachedSource(backend, domain.CacheConfig{MemoryItems: 2}, nil, quietLogger())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		p, err := cached.Fetch(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "p1", p.ID)
	}
	assert.Equal(t, int32(1), backend.calls.Load())

	stats := cached.Stats()
	assert.Equal(t, int64(2), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRatio(), 1e-9)

	_, err = cached.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, cached.Invalidate(ctx, "p1"))
	_, err = cached.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), backend.calls.Load())
}

func TestCachedSource_RedisTier(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	cfg := domain.CacheConfig{RedisURL: url, DefaultTTL: time.Minute, MemoryItems: 10}

	client, err := NewRedisClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	backend := &countingSource{inner: NewMemorySource(samplePatient())}
	first, err := NewCachedSource(backend, cfg, client, quietLogger())
	require.NoError(t, err)
	require.NoError(t, first.Invalidate(ctx, "p1"))

	_, err = first.Fetch(ctx, "p1")
	require.NoError(t, err)

	// A second process shares the Redis tier but not the memory tier.
	second, err := NewCachedSource(backend, cfg, client, quietLogger())
	require.NoError(t, err)
	p, err := second.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, p.Events, 8)
	assert.Equal(t, int32(1), backend.calls.Load())
	assert.Equal(t, int64(1), second.Stats().RedisHits)
}

func TestResilientSource_TripsOnFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")
	backend := &countingSource{inner: NewMemorySource(), err: boom}

	src := NewResilientSource(backend, domain.ResilienceConfig{
		FailureThreshold: 2,
		Timeout:          time.Minute,
	}, quietLogger())

	for i := 0; i < 2; i++ {
		_, err := src.Fetch(ctx, "p1")
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, gobreaker.StateOpen, src.State())

	_, err := src.Fetch(ctx, "p1")
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, int32(2), backend.calls.Load(), "open breaker does not call the backend")
}

func TestResilientSource_NotFoundDoesNotTrip(t *testing.T) {
	ctx := context.Background()
	src := NewResilientSource(NewMemorySource(samplePatient()), domain.ResilienceConfig{FailureThreshold: 1}, quietLogger())

	for i := 0; i < 5; i++ {
		_, err := src.Fetch(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, src.State())

	p, err := src.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	ids, err := src.PatientIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids)
}

func TestResilientSource_RateLimit(t *testing.T) {
	src := NewResilientSource(NewMemorySource(samplePatient()), domain.ResilienceConfig{
		RateLimit: 0.001,
		Burst:     1,
	}, quietLogger())

	_, err := src.Fetch(context.Background(), "p1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = src.Fetch(ctx, "p1")
	assert.Error(t, err, "second fetch cannot get a token before the deadline")
}

func TestPostgresSource(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS patients (
			patient_id TEXT PRIMARY KEY,
			sex TEXT NOT NULL DEFAULT '',
			date_of_birth DATE
		);
		CREATE TABLE IF NOT EXISTS clinical_events (
			id BIGSERIAL PRIMARY KEY,
			patient_id TEXT NOT NULL REFERENCES patients(patient_id),
			code TEXT NOT NULL,
			coding_system TEXT NOT NULL DEFAULT '',
			event_date DATE NOT NULL,
			numeric_value DOUBLE PRECISION
		);
	`)
	require.NoError(t, err)

	src := NewPostgresSource(pool)
	require.NoError(t, src.Import(ctx, samplePatient()))

	p, err := src.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "1950-06-01", domain.FormatDate(p.DateOfBirth))
	assert.Len(t, p.Events, 8)

	_, err = src.Fetch(ctx, "definitely-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ids, err := src.PatientIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "p1")
}
