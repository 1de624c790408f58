package results

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcvi-cohort-engine/internal/domain"
	"github.com/jcvi-cohort-engine/internal/rules"
	"github.com/jcvi-cohort-engine/pkg/formula"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	return store
}

func sampleRecord(runID, patientID string) *Record {
	return FromResult(runID, &rules.Result{
		PatientID: patientID,
		Names:     []string{"age_1", "jcvi_group", "elig_date", "population"},
		Values: map[string]formula.Value{
			"age_1":      formula.Number(52),
			"jcvi_group": formula.Category("09"),
			"elig_date":  formula.Date(domain.MustParseDate("2021-03-19")),
			"population": formula.Bool(true),
		},
	})
}

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "results.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	rec := sampleRecord("run-1", "p1")
	require.NoError(t, store.Save(ctx, rec))
	assert.NotZero(t, rec.ID, "ID should be assigned")
	assert.False(t, rec.CreatedAt.IsZero(), "CreatedAt should be set")

	got, err := store.Get(ctx, "run-1", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusOK, got.Status)
	assert.Equal(t, []string{"age_1", "jcvi_group", "elig_date", "population"}, got.Names)
	assert.Equal(t, "09", got.Get("jcvi_group").String())
	assert.Equal(t, formula.KindDate, got.Get("elig_date").Kind())
	assert.Equal(t, "2021-03-19", got.Get("elig_date").String())
	assert.Equal(t, 52.0, got.Get("age_1").NumberValue())
	assert.True(t, got.Get("population").BoolValue())
}

func TestSQLiteStore_Get_NotFound(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	got, err := store.Get(context.Background(), "run-1", "nobody")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_Save_Replaces(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	rec := sampleRecord("run-1", "p1")
	require.NoError(t, store.Save(ctx, rec))
	originalID := rec.ID

	failed := &Record{
		RunID:     "run-1",
		PatientID: "p1",
		Status:    StatusFailed,
		ErrorCode: domain.ErrEvaluation,
		Error:     "patient p1: evaluating \"bmi\": boom",
	}
	require.NoError(t, store.Save(ctx, failed))
	assert.Equal(t, originalID, failed.ID, "ID should not change on replace")

	got, err := store.Get(ctx, "run-1", "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, domain.ErrEvaluation, got.ErrorCode)
	assert.Empty(t, got.Values)

	count, err := store.Count(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSQLiteStore_ListAndRuns(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"p3", "p1", "p2"} {
		require.NoError(t, store.Save(ctx, sampleRecord("run-1", id)))
	}
	require.NoError(t, store.Save(ctx, sampleRecord("run-2", "p1")))

	list, err := store.List(ctx, "run-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0].PatientID)
	assert.Equal(t, "p2", list[1].PatientID)

	list, err = store.List(ctx, "run-1", 10, 2)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p3", list[0].PatientID)

	runs, err := store.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-2", "run-1"}, runs)

	deleted, err := store.DeleteRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	count, err := store.Count(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSQLiteStore_ExportImport(t *testing.T) {
	source := createTestStore(t)
	defer source.Close()
	ctx := context.Background()

	require.NoError(t, source.Save(ctx, sampleRecord("run-1", "p1")))
	require.NoError(t, source.Save(ctx, sampleRecord("run-1", "p2")))

	var buf bytes.Buffer
	require.NoError(t, source.ExportJSON(ctx, "run-1", &buf))
	assert.Contains(t, buf.String(), `"run_id": "run-1"`)
	assert.Contains(t, buf.String(), `"count": 2`)

	target := createTestStore(t)
	defer target.Close()
	require.NoError(t, target.Save(ctx, sampleRecord("run-1", "p1")))

	imported, skipped, err := target.ImportJSON(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 1, imported)
	assert.Equal(t, 1, skipped)

	got, err := target.Get(ctx, "run-1", "p2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2021-03-19", got.Get("elig_date").String())
}

func TestSQLiteStore_ImportJSON_Invalid(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	_, _, err := store.ImportJSON(context.Background(), bytes.NewReader([]byte("not json")))
	assert.Error(t, err)
}
