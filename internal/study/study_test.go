package study

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcvi-cohort-engine/internal/codelist"
	"github.com/jcvi-cohort-engine/internal/domain"
	"github.com/jcvi-cohort-engine/internal/eventstore"
	"github.com/jcvi-cohort-engine/internal/rules"
)

func testRegistry(t *testing.T, skip ...string) *codelist.Registry {
	t.Helper()
	omit := make(map[string]bool)
	for _, name := range skip {
		omit[name] = true
	}

	reg := codelist.NewRegistry()
	for _, name := range Codelists {
		if omit[name] {
			continue
		}
		var c *domain.Concept
		switch name {
		case "eth2001":
			c = domain.NewConcept(name, domain.SNOMED, []string{"eth-1", "eth-3"},
				map[string]string{"eth-1": "1", "eth-3": "3"})
		case "clear_smoking_codes":
			c = domain.NewConcept(name, domain.CTV3, []string{"smk-S", "smk-E", "smk-N"},
				map[string]string{"smk-S": "S", "smk-E": "E", "smk-N": "N"})
		case "ever_smoked":
			c = domain.NewConcept(name, domain.CTV3, []string{"smk-S", "smk-E"},
				map[string]string{"smk-S": "S", "smk-E": "E"})
		case "covid_vax_disease", "covid_vax_pfizer", "covid_vax_az", "covid_vax_moderna":
			c = domain.NewConcept(name, domain.Vaccination, []string{name + "-1"}, nil)
		default:
			c = domain.NewConcept(name, domain.SNOMED, []string{name + "-1"}, nil)
		}
		require.NoError(t, reg.Register(c))
	}
	reg.Freeze()
	return reg
}

func testDates() *domain.ReferenceDates {
	return domain.NewReferenceDates(map[string]time.Time{
		RefAge1:   domain.MustParseDate("2021-03-31"),
		RefCEV:    domain.MustParseDate("2021-01-01"),
		RefAtRisk: domain.MustParseDate("2021-02-16"),
		RefStart:  domain.MustParseDate("2020-12-08"),
		RefEnd:    domain.MustParseDate("2021-09-30"),
	})
}

func newStudy(t *testing.T) *Study {
	t.Helper()
	s, err := New(testRegistry(t), testDates())
	require.NoError(t, err)
	return s
}

func patient(id string, sex domain.Sex, dob string, events ...domain.Event) *domain.Patient {
	return &domain.Patient{ID: id, Sex: sex, DateOfBirth: domain.MustParseDate(dob), Events: events}
}

func ev(code, date string) domain.Event {
	system := domain.SNOMED
	if len(code) > 4 && code[:4] == "smk-" {
		system = domain.CTV3
	}
	return domain.Event{Code: code, System: system, Date: domain.MustParseDate(date)}
}

func groups(t *testing.T, s *Study, p *domain.Patient) *rules.Result {
	t.Helper()
	res, err := s.Groups.Evaluate(context.Background(), p, eventstore.NewHistory(p))
	require.NoError(t, err)
	return res
}

func TestNew_Outputs(t *testing.T) {
	s := newStudy(t)
	assert.Equal(t,
		[]string{"age_1", "age_2", "sex", "jcvi_group", "elig_date", "population"},
		s.Groups.Graph().Outputs())
	assert.Contains(t, s.Covariates.Graph().Outputs(), "smoking_status")
	assert.Contains(t, s.Covariates.Graph().Outputs(), "cev_group")
	assert.NotContains(t, s.Covariates.Graph().Outputs(), "atrisk_group")
	assert.Contains(t, s.Covariates.Graph().References(), EligDate)
}

func TestJCVIGroups(t *testing.T) {
	s := newStudy(t)

	tests := []struct {
		name       string
		patient    *domain.Patient
		group      string
		elig       string
		population bool
	}{
		{
			name:       "over 80",
			patient:    patient("p80", domain.Male, "1936-01-01"),
			group:      "02",
			elig:       "2020-12-08",
			population: true,
		},
		{
			name:    "care home resident of any age",
			patient: patient("pres", domain.Female, "1981-01-01", ev("longres-1", "2020-01-01")),
			group:   "01",
			elig:    DefaultElig,
		},
		{
			name:       "aged 50 to 54",
			patient:    patient("p52", domain.Female, "1969-01-01"),
			group:      "09",
			elig:       "2021-03-19",
			population: true,
		},
		{
			name:       "aged 30 to 39 staggered by age",
			patient:    patient("p35", domain.Male, "1986-01-01"),
			group:      "11",
			elig:       "2021-05-21",
			population: true,
		},
		{
			name:    "at risk through diabetes",
			patient: patient("pdiab", domain.Male, "1981-01-01", ev("diab-1", "2020-06-01")),
			group:   "06",
			elig:    DefaultElig,
		},
		{
			name:    "resolved diabetes is not at risk",
			patient: patient("pres-dm", domain.Male, "1981-01-01", ev("diab-1", "2019-06-01"), ev("dmres-1", "2020-06-01")),
			group:   "10",
			elig:    DefaultElig,
		},
		{
			name:    "clinically extremely vulnerable",
			patient: patient("pcev", domain.Female, "1981-01-01", ev("shield-1", "2020-10-01")),
			group:   "04",
			elig:    DefaultElig,
		},
		{
			name: "shielding superseded by a later non-shielding code",
			patient: patient("pless", domain.Female, "1981-01-01",
				ev("shield-1", "2020-10-01"), ev("nonshield-1", "2020-11-01")),
			group: "10",
			elig:  DefaultElig,
		},
		{
			name: "pregnancy excludes from the CEV group",
			patient: patient("ppreg", domain.Female, "1991-01-01",
				ev("shield-1", "2020-10-01"), ev("preg-1", "2020-09-01")),
			group:      "11",
			elig:       "2021-05-26",
			population: true,
		},
		{
			name:    "severe obesity by BMI value",
			patient: patient("pbmi", domain.Male, "1981-01-01", valued("bmi-1", "2020-11-01", 42)),
			group:   "06",
			elig:    DefaultElig,
		},
		{
			name:    "under 18",
			patient: patient("pchild", domain.Male, "2010-01-01"),
			group:   "00",
			elig:    DefaultElig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := groups(t, s, tt.patient)
			assert.Equal(t, tt.group, res.Get(JCVIGroup).String())

			elig, ok := EligibilityDate(res)
			require.True(t, ok)
			assert.Equal(t, tt.elig, domain.FormatDate(elig))
			assert.Equal(t, tt.population, InPopulation(res))
		})
	}
}

func vax(code, date string) domain.Event {
	return domain.Event{Code: code, System: domain.Vaccination, Date: domain.MustParseDate(date)}
}

func valued(code, date string, v float64) domain.Event {
	e := ev(code, date)
	e.Value = &v
	return e
}

func TestCovariates(t *testing.T) {
	s := newStudy(t)
	p := patient("p52", domain.Female, "1969-01-01",
		ev("smk-S", "2010-01-01"),
		ev("smk-N", "2020-01-01"),
		ev("eth-3", "2015-06-01"),
		valued("bmi-1", "2019-05-01", 32.5),
		ev("covid_primary_care_probable_combined-1", "2021-04-01"),
		ev("ast-1", "2012-01-01"),
	)
	store := eventstore.NewHistory(p)

	g, err := s.Groups.Evaluate(context.Background(), p, store)
	require.NoError(t, err)
	elig, ok := EligibilityDate(g)
	require.True(t, ok)

	res, err := s.Covariates.Evaluate(context.Background(), p, store,
		rules.WithPatientRefs(map[string]time.Time{EligDate: elig}))
	require.NoError(t, err)

	assert.Equal(t, "E", res.Get("smoking_status").String(), "never-smoker code after a smoking code")
	assert.Equal(t, "3", res.Get("ethnicity_6").String())
	assert.Equal(t, "Obese I (30-34.9)", res.Get("bmi").String())
	assert.True(t, res.Get("covid_probable_during_group").BoolValue())
	assert.False(t, res.Get("covid_probable_before_group").BoolValue())
	assert.True(t, res.Get("astdx").BoolValue())
	assert.False(t, res.Get("asthma_group").BoolValue())
	assert.False(t, res.Get("hypertension").BoolValue())
	assert.False(t, res.Get("preg_elig_group").Truthy())

	// Without an elig_date every window anchored on it is undated.
	res, err = s.Covariates.Evaluate(context.Background(), p, store)
	require.NoError(t, err)
	assert.False(t, res.Get("covid_probable_during_group").BoolValue())
	assert.Equal(t, "M", res.Get("smoking_status").String())
	assert.Equal(t, "Missing", res.Get("bmi").String())
}

func covariates(t *testing.T, s *Study, p *domain.Patient) *rules.Result {
	t.Helper()
	store := eventstore.NewHistory(p)
	g, err := s.Groups.Evaluate(context.Background(), p, store)
	require.NoError(t, err)
	elig, ok := EligibilityDate(g)
	require.True(t, ok)

	res, err := s.Covariates.Evaluate(context.Background(), p, store,
		rules.WithPatientRefs(map[string]time.Time{EligDate: elig}), rules.WithInternal())
	require.NoError(t, err)
	return res
}

func TestCovariates_FirstVaccination(t *testing.T) {
	s := newStudy(t)

	tests := []struct {
		name   string
		events []domain.Event
		want   string
	}{
		{
			name:   "earliest of the product and disease records",
			events: []domain.Event{vax("covid_vax_disease-1", "2021-02-01"), vax("covid_vax_pfizer-1", "2021-01-15"), vax("covid_vax_az-1", "2021-03-01")},
			want:   "2021-01-15",
		},
		{
			name:   "first dose of the same product",
			events: []domain.Event{vax("covid_vax_moderna-1", "2021-06-10"), vax("covid_vax_moderna-1", "2021-04-20")},
			want:   "2021-04-20",
		},
		{
			name:   "records before the programme start are ignored",
			events: []domain.Event{vax("covid_vax_az-1", "2020-11-01"), vax("covid_vax_az-1", "2020-12-08")},
			want:   "2020-12-08",
		},
		{
			name:   "not vaccinated",
			events: []domain.Event{vax("covid_vax_pfizer-1", "2020-06-01")},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := covariates(t, s, patient("pvax", domain.Female, "1969-01-01", tt.events...))
			assert.Equal(t, tt.want, res.Get("covid_vax_1_date").String())
		})
	}

	res := covariates(t, s, patient("pvax", domain.Female, "1969-01-01",
		vax("covid_vax_disease-1", "2021-02-01"), vax("covid_vax_pfizer-1", "2021-01-15")))
	assert.Equal(t, "2021-02-01", res.Get("covid_vax_1_date.covid_vax_disease_1_date").String())
	assert.True(t, res.Get("covid_vax_1_date.covid_vax_az_1_date").IsMissing())
}

func TestCovariates_ImmunosuppressionWindowClampsToMonthEnd(t *testing.T) {
	s := newStudy(t)

	// Group 04 keeps the default elig_date 2021-12-31, so six months earlier
	// is 2021-06-30.
	tests := []struct {
		date string
		want bool
	}{
		{"2021-06-29", false},
		{"2021-06-30", true},
		{"2021-07-01", true},
		{"2021-12-31", false},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			p := patient("pcev", domain.Female, "1981-01-01", ev("shield-1", "2020-10-01"), ev("immrx-1", tt.date))
			res := covariates(t, s, p)
			assert.Equal(t, tt.want, res.Get("immuno_group").Truthy())
		})
	}
}

func TestCheckRegistry(t *testing.T) {
	err := CheckRegistry(testRegistry(t, "ast", "diab"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownConcept)
	assert.Contains(t, err.Error(), "ast, diab")

	_, err = New(testRegistry(t, "shield"), testDates())
	assert.ErrorIs(t, err, domain.ErrUnknownConcept)

	reg := codelist.NewRegistry()
	for _, name := range Codelists {
		require.NoError(t, reg.Register(domain.NewConcept(name, domain.SNOMED, []string{"x"}, nil)))
	}
	var malformed *domain.MalformedCodelistError
	assert.True(t, errors.As(CheckRegistry(reg), &malformed))
}

func TestNew_MissingReferenceDate(t *testing.T) {
	dates := domain.NewReferenceDates(map[string]time.Time{
		RefAge1:   domain.MustParseDate("2021-03-31"),
		RefAtRisk: domain.MustParseDate("2021-02-16"),
	})
	_, err := New(testRegistry(t), dates)

	var unresolved *domain.UnresolvedReferenceError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, RefCEV, unresolved.Reference)
}

func TestSelector(t *testing.T) {
	sel := Selector(testDates())
	assert.Equal(t, sel[RefAge1], sel[RefAge2])

	dates := domain.NewReferenceDates(map[string]time.Time{
		RefAge1: domain.MustParseDate("2021-03-31"),
		RefAge2: domain.MustParseDate("2021-07-01"),
	})
	assert.Equal(t, "2021-07-01", domain.FormatDate(Selector(dates)[RefAge2]))
}
