// Package cohort runs the study over a patient population: every patient is
// fetched once, evaluated in two passes and handed to a sink.
package cohort

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jcvi-cohort-engine/internal/domain"
	"github.com/jcvi-cohort-engine/internal/eventstore"
	"github.com/jcvi-cohort-engine/internal/results"
	"github.com/jcvi-cohort-engine/internal/rules"
	"github.com/jcvi-cohort-engine/internal/sink"
	"github.com/jcvi-cohort-engine/internal/study"
)

// Runner evaluates a study for many patients with a fixed pool of workers.
// The study graphs are shared read-only between workers.
type Runner struct {
	source          eventstore.Source
	study           *study.Study
	sink            sink.Sink
	logger          *logrus.Logger
	workers         int
	includeInternal bool
	populationOnly  bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkers sets the number of concurrent patient evaluations.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithSink sets where finished rows go. The runner does not close it.
func WithSink(s sink.Sink) Option {
	return func(r *Runner) { r.sink = s }
}

// WithInternalVariables adds sub-variables to every row.
func WithInternalVariables(include bool) Option {
	return func(r *Runner) { r.includeInternal = include }
}

// PopulationOnly marks patients outside the study population as excluded.
func PopulationOnly() Option {
	return func(r *Runner) { r.populationOnly = true }
}

// NewRunner creates a runner reading patients from source.
func NewRunner(source eventstore.Source, st *study.Study, logger *logrus.Logger, opts ...Option) *Runner {
	r := &Runner{
		source:  source,
		study:   st,
		sink:    sink.Discard{},
		logger:  logger,
		workers: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Summary describes a finished run.
type Summary struct {
	RunID     string         `json:"run_id"`
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Excluded  int            `json:"excluded"`
	Failed    int            `json:"failed"`
	Failures  map[string]int `json:"failures,omitempty"` // failed patients by error code
	Skipped   int            `json:"skipped,omitempty"`  // not started before cancellation
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Cancelled bool           `json:"cancelled,omitempty"`
}

func (s *Summary) add(rec *results.Record) {
	switch rec.Status {
	case results.StatusOK:
		s.Succeeded++
	case results.StatusExcluded:
		s.Excluded++
	case results.StatusFailed:
		s.Failed++
		s.Failures[rec.ErrorCode]++
	}
}

// Evaluate runs both passes for one patient and returns the merged row. The
// covariates are evaluated against the elig_date derived in the first pass.
func (r *Runner) Evaluate(ctx context.Context, patient *domain.Patient) (*rules.Result, error) {
	var opts []rules.EvalOption
	if r.includeInternal {
		opts = append(opts, rules.WithInternal())
	}
	store := eventstore.NewHistory(patient)

	row, err := r.study.Groups.Evaluate(ctx, patient, store, opts...)
	if err != nil {
		return nil, err
	}

	refs := map[string]time.Time{}
	if elig, ok := study.EligibilityDate(row); ok {
		refs[study.EligDate] = elig
	}
	covariates, err := r.study.Covariates.Evaluate(ctx, patient, store,
		append(opts, rules.WithPatientRefs(refs))...)
	if err != nil {
		return nil, err
	}

	row.Merge(covariates)
	return row, nil
}

// EvaluateID fetches a patient from the source and evaluates them.
func (r *Runner) EvaluateID(ctx context.Context, patientID string) (*rules.Result, error) {
	patient, err := r.source.Fetch(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return r.Evaluate(ctx, patient)
}

// Study returns the bound study graphs the runner evaluates.
func (r *Runner) Study() *study.Study {
	return r.study
}

// process evaluates one patient. It returns nil when the run was cancelled
// while the patient was in flight.
func (r *Runner) process(ctx context.Context, runID, patientID string) *results.Record {
	row, err := r.EvaluateID(ctx, patientID)
	if err == nil {
		rec := results.FromResult(runID, row)
		if r.populationOnly && !study.InPopulation(row) {
			rec.Status = results.StatusExcluded
		}
		return rec
	}

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}

	code := domain.ErrorCode(err)
	r.logger.WithFields(logrus.Fields{
		"run_id":     runID,
		"patient_id": patientID,
		"error_code": code,
	}).WithError(err).Warn("Patient evaluation failed")

	return &results.Record{
		RunID:     runID,
		PatientID: patientID,
		Status:    results.StatusFailed,
		ErrorCode: code,
		Error:     err.Error(),
	}
}

// RunAll evaluates every patient the source knows about.
func (r *Runner) RunAll(ctx context.Context) (*Summary, error) {
	ids, err := r.source.PatientIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing patients: %w", err)
	}
	return r.Run(ctx, ids)
}

// Run evaluates the given patients. Per-patient failures are recorded and
// counted without stopping the run. Cancellation is observed between
// patients; the summary then covers the patients already processed and the
// context error is returned alongside it.
func (r *Runner) Run(ctx context.Context, patientIDs []string) (*Summary, error) {
	summary := &Summary{
		RunID:     uuid.New().String(),
		Total:     len(patientIDs),
		Failures:  make(map[string]int),
		StartedAt: time.Now(),
	}

	r.logger.WithFields(logrus.Fields{
		"run_id":   summary.RunID,
		"patients": len(patientIDs),
		"workers":  r.workers,
	}).Info("Starting cohort run")

	jobs := make(chan string)
	records := make(chan *results.Record, r.workers)

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if ctx.Err() != nil {
					continue
				}
				if rec := r.process(ctx, summary.RunID, id); rec != nil {
					records <- rec
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, id := range patientIDs {
			select {
			case jobs <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(records)
	}()

	var sinkErrs []error
	processed := 0
	for rec := range records {
		processed++
		summary.add(rec)
		if err := r.sink.Write(ctx, rec); err != nil {
			sinkErrs = append(sinkErrs, err)
			r.logger.WithFields(logrus.Fields{
				"run_id":     summary.RunID,
				"patient_id": rec.PatientID,
			}).WithError(err).Error("Failed to write cohort row")
		}
	}

	summary.Duration = time.Since(summary.StartedAt)
	summary.Skipped = summary.Total - processed
	summary.Cancelled = ctx.Err() != nil && summary.Skipped > 0

	r.logger.WithFields(logrus.Fields{
		"run_id":    summary.RunID,
		"total":     summary.Total,
		"succeeded": summary.Succeeded,
		"excluded":  summary.Excluded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"duration":  summary.Duration.String(),
	}).Info("Cohort run finished")

	if summary.Cancelled {
		return summary, ctx.Err()
	}
	if len(sinkErrs) > 0 {
		return summary, fmt.Errorf("%d rows could not be written: %w", len(sinkErrs), errors.Join(sinkErrs...))
	}
	return summary, nil
}
