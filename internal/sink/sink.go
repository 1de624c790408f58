// Package sink delivers finished cohort rows to their destinations: flat
// files, the results store and a Kafka topic.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/jcvi-cohort-engine/internal/results"
)

// Sink receives one record per evaluated patient.
type Sink interface {
	Write(ctx context.Context, rec *results.Record) error
	Close() error
}

// MultiSink fans a record out to several sinks. Every sink is written even
// when an earlier one fails.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks. Nil entries are ignored.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of wrapped sinks.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

func (m *MultiSink) Write(ctx context.Context, rec *results.Record) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreSink persists every record, failed and excluded ones included.
type StoreSink struct {
	store results.Store
	// closeStore closes the store together with the sink.
	closeStore bool
}

// NewStoreSink writes to store. When owned is set, Close also closes the store.
func NewStoreSink(store results.Store, owned bool) *StoreSink {
	return &StoreSink{store: store, closeStore: owned}
}

func (s *StoreSink) Write(ctx context.Context, rec *results.Record) error {
	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("storing patient %s: %w", rec.PatientID, err)
	}
	return nil
}

func (s *StoreSink) Close() error {
	if s.closeStore {
		return s.store.Close()
	}
	return nil
}

// Discard drops every record.
type Discard struct{}

func (Discard) Write(context.Context, *results.Record) error { return nil }
func (Discard) Close() error { return nil }
