// Package study declares the JCVI vaccine eligibility study as rule graphs:
// the phase one priority groups and eligibility date, evaluated against fixed
// reference dates, and the covariates, evaluated against each patient's own
// eligibility date.
package study

import (
	"fmt"
	"time"

	"github.com/jcvi-cohort-engine/internal/domain"
	"github.com/jcvi-cohort-engine/internal/rules"
	"github.com/jcvi-cohort-engine/pkg/formula"
)

// Study holds the two bound graphs of a cohort run.
type Study struct {
	// Groups derives age, sex, jcvi_group, elig_date and population.
	Groups *rules.BoundGraph
	// Covariates is evaluated with the patient's elig_date from Groups.
	Covariates *rules.BoundGraph
}

// Selector returns the reference dates the study binds against. The age on
// the phase 2 reference date falls back to ref_age_1 when the dates file
// does not define ref_age_2.
func Selector(dates *domain.ReferenceDates) map[string]time.Time {
	sel := dates.Map()
	if _, ok := sel[RefAge2]; !ok {
		if d, ok := sel[RefAge1]; ok {
			sel[RefAge2] = d
		}
	}
	return sel
}

// New compiles and binds both study graphs. Any definition, codelist or
// reference date problem is reported here, before a patient is evaluated.
func New(registry domain.ConceptRegistry, dates *domain.ReferenceDates) (*Study, error) {
	if err := CheckRegistry(registry); err != nil {
		return nil, err
	}
	sel := Selector(dates)

	groupVars := append(PhaseOne(), Eligibility(), PopulationVar())
	groups, err := rules.NewGraph(registry, groupVars...)
	if err != nil {
		return nil, fmt.Errorf("compiling group graph: %w", err)
	}
	boundGroups, err := rules.Bind(groups, sel)
	if err != nil {
		return nil, fmt.Errorf("binding group graph: %w", err)
	}

	covariates, err := rules.NewGraph(registry, Covariates()...)
	if err != nil {
		return nil, fmt.Errorf("compiling covariate graph: %w", err)
	}
	boundCovariates, err := rules.Bind(covariates, sel, rules.PerPatient(EligDate))
	if err != nil {
		return nil, fmt.Errorf("binding covariate graph: %w", err)
	}

	return &Study{Groups: boundGroups, Covariates: boundCovariates}, nil
}

// EligibilityDate reads elig_date from a group graph result.
func EligibilityDate(res *rules.Result) (time.Time, bool) {
	v := res.Get(EligDate)
	if v.Kind() != formula.KindDate {
		return time.Time{}, false
	}
	return v.DateValue(), true
}

// InPopulation reports whether a group graph result selects the patient.
func InPopulation(res *rules.Result) bool {
	return res.Get(Population).Truthy()
}
