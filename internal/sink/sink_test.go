package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcvi-cohort-engine/internal/domain"
	"github.com/jcvi-cohort-engine/internal/results"
	"github.com/jcvi-cohort-engine/pkg/formula"
)

func row(patientID string, status results.Status) *results.Record {
	return &results.Record{
		RunID:     "run-1",
		PatientID: patientID,
		Status:    status,
		Names:     []string{"age_1", "jcvi_group", "elig_date", "asthma_group", "bmi_value"},
		Values: map[string]formula.Value{
			"age_1":        formula.Number(52),
			"jcvi_group":   formula.Category("09"),
			"elig_date":    formula.Date(domain.MustParseDate("2021-03-19")),
			"asthma_group": formula.Bool(false),
			"bmi_value":    formula.Missing(),
		},
	}
}

func TestCSVSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewCSVSink(&buf, nil)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, row("p1", results.StatusOK)))
	require.NoError(t, s.Write(ctx, row("p2", results.StatusFailed)))
	require.NoError(t, s.Write(ctx, row("p3", results.StatusOK)))
	require.NoError(t, s.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3, "failed rows are not exported")
	assert.Equal(t, "patient_id,age_1,jcvi_group,elig_date,asthma_group,bmi_value", lines[0])
	assert.Equal(t, "p1,52,09,2021-03-19,0,", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "p3,"))
}

func TestCSVSink_FixedColumns(t *testing.T) {
	var buf bytes.Buffer
	s := NewCSVSink(&buf, []string{"jcvi_group", "not_a_variable"})

	require.NoError(t, s.Write(context.Background(), row("p1", results.StatusOK)))
	require.NoError(t, s.Close())

	assert.Equal(t, "patient_id,jcvi_group,not_a_variable\np1,09,\n", buf.String())
}

func TestJSONLinesSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLinesSink(&buf)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, row("p1", results.StatusOK)))
	require.NoError(t, s.Write(ctx, row("p2", results.StatusExcluded)))
	require.NoError(t, s.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, "p1", got["patient_id"])
	values := got["values"].(map[string]interface{})
	assert.Equal(t, "09", values["jcvi_group"])
	assert.Equal(t, "2021-03-19", values["elig_date"])
	assert.Equal(t, false, values["asthma_group"])
	assert.Nil(t, values["bmi_value"])
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "cohort.csv")

	s, err := OpenFile("csv", path, []string{"jcvi_group"})
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), row("p1", results.StatusOK)))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "patient_id,jcvi_group\np1,09\n", string(data))

	_, err = OpenFile("parquet", filepath.Join(dir, "x.parquet"), nil)
	assert.Error(t, err)
}

func TestStoreSink(t *testing.T) {
	store, err := results.NewSQLiteStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)

	s := NewStoreSink(store, true)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, row("p1", results.StatusOK)))
	require.NoError(t, s.Write(ctx, row("p2", results.StatusFailed)))

	count, err := store.Count(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "the store keeps failed rows")
	require.NoError(t, s.Close())
}

type failingSink struct {
	writes int
}

func (f *failingSink) Write(context.Context, *results.Record) error {
	f.writes++
	return errors.New("disk full")
}

func (f *failingSink) Close() error { return nil }

func TestMultiSink(t *testing.T) {
	var buf bytes.Buffer
	bad := &failingSink{}
	m := NewMultiSink(bad, nil, NewJSONLinesSink(&buf))
	assert.Equal(t, 2, m.Len())

	err := m.Write(context.Background(), row("p1", results.StatusOK))
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, bad.writes)
	assert.Contains(t, buf.String(), `"patient_id":"p1"`, "later sinks still receive the row")
	assert.NoError(t, m.Close())
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	s := newKafkaSink(w, "cohort-rows", quietLogger())

	require.NoError(t, s.Write(context.Background(), row("p1", results.StatusOK)))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "p1", string(msg.Key))
	assert.Equal(t, "event-type", msg.Headers[0].Key)
	assert.Equal(t, EventType, string(msg.Headers[0].Value))
	assert.Equal(t, "run-1", string(msg.Headers[1].Value))

	var event RowEvent
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.Equal(t, "run-1", event.RunID)
	assert.Equal(t, results.StatusOK, event.Status)
	assert.Equal(t, "09", event.Values["jcvi_group"].String())
	assert.NotEmpty(t, event.ID)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	s := newKafkaSink(w, "cohort-rows", quietLogger())

	err := s.Write(context.Background(), row("p1", results.StatusOK))
	assert.ErrorContains(t, err, "publishing patient p1")
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink(domain.KafkaConfig{Topic: "rows"}, quietLogger())
	assert.Error(t, err)

	_, err = NewKafkaSink(domain.KafkaConfig{Brokers: []string{"localhost:9092"}}, quietLogger())
	assert.Error(t, err)

	s, err := NewKafkaSink(domain.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "rows"}, quietLogger())
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
