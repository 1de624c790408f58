package study

import (
	"github.com/jcvi-cohort-engine/internal/rules"
)

// Reference date names read from the dates file.
const (
	RefAge1   = "ref_age_1"
	RefAge2   = "ref_age_2"
	RefCEV    = "ref_cev"
	RefAtRisk = "ref_ar"
	RefStart  = "start_date"
	RefEnd    = "end_date"
)

// Variables the cohort runner reads between passes.
const (
	EligDate   = "elig_date"
	JCVIGroup  = "jcvi_group"
	Population = "population"

	// DefaultElig is elig_date for patients outside the eligible groups.
	DefaultElig = "2021-12-31"
)

// PhaseOne declares the variables that place a patient in a JCVI priority
// group. None of them depend on the eligibility date.
func PhaseOne() []rules.Var {
	dayBeforeAR := rules.Ref(RefAtRisk).Plus(rules.Days(-1))
	dayBeforeCEV := rules.Ref(RefCEV).Plus(rules.Days(-1))

	subs := cev("_temp", rules.OnOrBefore(dayBeforeCEV), dayBeforeCEV)
	subs = append(subs, atRisk{
		suffix:             "_temp",
		window:             rules.OnOrBefore(dayBeforeAR),
		dayBefore:          dayBeforeAR,
		immrxFrom:          rules.Ref(RefAtRisk).Plus(rules.Days(-180)),
		asthmaDx:           rules.OnOrBefore(dayBeforeAR),
		respIncludesAsthma: true,
		combined:           "atrisk_group_temp",
	}.vars()...)
	subs = append(subs,
		rules.Define("longres_dat_temp", flag("longres", rules.OnOrBefore(rules.Ref(RefStart).Plus(rules.Days(-1))))).
			Describe("Long-stay nursing or residential care"),

		rules.Define("preg_group_temp",
			rules.Formula(`((preg_dat AND NOT pregdel_dat) OR (preg_dat AND pregdel_dat <= preg_dat)) AND
				(sex = 'F' AND age_1 < 50)`),
			rules.Define("preg_dat", lastDate("preg", rules.Between(
				rules.Ref(RefCEV).Plus(rules.Days(-253)), dayBeforeCEV))),
			rules.Define("pregdel_dat", lastDate("pregdel", rules.Between(
				rules.Ref(RefCEV).Plus(rules.Days(-253)), dayBeforeCEV))),
		).Describe("Pregnant in the 36 weeks before the CEV reference date"),
	)

	return []rules.Var{
		rules.Define("age_1", rules.AgeAsOf{At: rules.Ref(RefAge1)}).
			Describe("Age on the phase 1 reference date"),
		rules.Define("age_2", rules.AgeAsOf{At: rules.Ref(RefAge2)}).
			Describe("Age on the phase 2 reference date"),
		rules.Define("sex", rules.Sex{}),
		rules.Define(JCVIGroup, rules.Categorisation{
			Branches: []rules.Branch{
				rules.When("01", "longres_dat_temp"),
				rules.When("02", "age_1 >=80"),
				rules.When("03", "age_1 >=75"),
				rules.When("04", "age_1 >=70 OR (cev_group_temp AND age_1 >=16 AND NOT preg_group_temp)"),
				rules.When("05", "age_1 >=65"),
				rules.When("06", "atrisk_group_temp AND age_1 >=16"),
				rules.When("07", "age_1 >=60"),
				rules.When("08", "age_1 >=55"),
				rules.When("09", "age_1 >=50"),
				rules.When("10", "age_2 >=40"),
				rules.When("11", "age_2 >=30"),
				rules.When("12", "age_2 >=18"),
			},
			Default: "00",
		}, subs...).Describe("JCVI priority group"),
	}
}

// Eligibility declares elig_date, the date a patient's group became eligible
// for vaccination.
func Eligibility() rules.Var {
	return rules.Define(EligDate, rules.Categorisation{
		Branches: []rules.Branch{
			rules.When("2020-12-08", "jcvi_group = '02'"),
			rules.When("2021-03-19", "jcvi_group = '09'"),
			rules.When("2021-05-13", "jcvi_group = '11' AND age_2 >= 38"),
			rules.When("2021-05-19", "jcvi_group = '11' AND age_2 >= 36 AND age_2 < 38"),
			rules.When("2021-05-21", "jcvi_group = '11' AND age_2 >= 34 AND age_2 < 36"),
			rules.When("2021-05-25", "jcvi_group = '11' AND age_2 >= 32 AND age_2 < 34"),
			rules.When("2021-05-26", "jcvi_group = '11' AND age_2 >= 30 AND age_2 < 32"),
		},
		Default:    DefaultElig,
		DateLabels: true,
	}).Describe("Date the patient's JCVI group became eligible")
}

// PopulationVar declares the study population. Registration and death are not
// modelled by the event store, so only the age and group terms remain; the
// operator grouping is kept as declared.
func PopulationVar() rules.Var {
	return rules.Define(Population, rules.Formula(
		"(age_1 >= 16 AND age_1 < 120) AND jcvi_group = '02' OR jcvi_group = '09' OR jcvi_group = '11'",
	)).Describe("Study population")
}
