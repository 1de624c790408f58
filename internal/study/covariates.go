package study

import (
	"github.com/jcvi-cohort-engine/internal/rules"
)

// Covariates declares the descriptive variables measured around each
// patient's own elig_date, which is supplied per patient at evaluation time.
func Covariates() []rules.Var {
	elig := rules.Ref(EligDate)
	dayBefore := elig.Plus(rules.Days(-1))
	beforeElig := rules.OnOrBefore(dayBefore)
	followUp := rules.Between(elig, elig.Plus(rules.Days(84)))
	sinceAR := rules.Between(rules.Ref(RefAtRisk), dayBefore)
	lastYear := rules.Between(elig.Plus(rules.Years(-1)), dayBefore)
	lastFiveYears := rules.Between(elig.Plus(rules.Years(-5)), dayBefore)
	pregnancy := rules.Between(elig.Plus(rules.Days(-252)), dayBefore)
	aroundElig := rules.Between(elig.Plus(rules.Days(-14)), elig.Plus(rules.Days(84)))

	vars := []rules.Var{
		rules.Define("ethnicity_6", rules.Lookup{
			Concept:   "eth2001",
			Window:    beforeElig,
			Returning: rules.ReturnCategory,
		}).Describe("Ethnicity, 6 groups"),

		rules.Define("smoking_status", rules.Categorisation{
			Branches: []rules.Branch{
				rules.When("S", "most_recent_smoking_code = 'S'"),
				rules.When("E", `most_recent_smoking_code = 'E' OR (
					most_recent_smoking_code = 'N' AND ever_smoked
				)`),
				rules.When("N", "most_recent_smoking_code = 'N' AND NOT ever_smoked"),
			},
			Default: "M",
		},
			rules.Define("most_recent_smoking_code", rules.Lookup{
				Concept:   "clear_smoking_codes",
				Window:    beforeElig,
				Returning: rules.ReturnCategory,
			}),
			rules.Define("ever_smoked", flag("ever_smoked", beforeElig)),
		).Describe("Smoking status"),

		rules.Define("preg_elig_group",
			rules.Formula(`(preg_36wks_date AND sex = 'F' AND age_1 < 50) AND
				(pregdel_pre_elig_date <= preg_36wks_date OR NOT pregdel_pre_elig_date)`),
			rules.Define("preg_36wks_date", lastDate("preg", pregnancy)),
			rules.Define("pregdel_pre_elig_date", lastDate("pregdel", pregnancy)),
			rules.Define("sex", rules.Sex{}),
			rules.Define("age_1", rules.AgeAsOf{At: rules.Ref(RefAge1)}),
		).Describe("Pregnant in the 36 weeks before elig_date"),

		rules.Define("covid_probable_before_group", flag("covid_primary_care_probable_combined", beforeElig)).
			Describe("Probable COVID-19 before elig_date"),
		rules.Define("covid_probable_during_group", flag("covid_primary_care_probable_combined", followUp)).
			Describe("Probable COVID-19 in the 12 weeks from elig_date"),

		rules.Define("covid_vax_1_date", rules.MinimumOf{Vars: []string{
			"covid_vax_disease_1_date", "covid_vax_pfizer_1_date",
			"covid_vax_az_1_date", "covid_vax_moderna_1_date",
		}},
			rules.Define("covid_vax_disease_1_date", firstVaccination("covid_vax_disease")),
			rules.Define("covid_vax_pfizer_1_date", firstVaccination("covid_vax_pfizer")),
			rules.Define("covid_vax_az_1_date", firstVaccination("covid_vax_az")),
			rules.Define("covid_vax_moderna_1_date", firstVaccination("covid_vax_moderna")),
		).Describe("First COVID-19 vaccination on or after start_date"),

		rules.Define("endoflife",
			rules.Formula("midazolam OR endoflife_coding"),
			rules.Define("midazolam", flag("midazolam_codes", aroundElig)),
			rules.Define("endoflife_coding", flag("eol_codes", aroundElig)),
		).Describe("End of life care from 2 weeks before to 12 weeks after elig_date"),
	}

	sinceCEV := rules.Between(rules.Ref(RefCEV), dayBefore)
	vars = append(vars, cev("", sinceCEV, dayBefore)...)

	vars = append(vars, atRisk{
		window:         sinceAR,
		dayBefore:      dayBefore,
		immrxFrom:      elig.Plus(rules.Months(-6)),
		asthmaDx:       beforeElig,
		asthmaDxPublic: true,
	}.vars()...)

	vars = append(vars,
		rules.Define("longres_group", flag("longres", rules.Between(rules.Ref(RefStart), dayBefore))).
			Describe("Long-stay nursing or residential care"),

		rules.Define("dmard", flag("dmards_codes", lastYear)).
			Describe("DMARD prescription in the year before elig_date"),
		rules.Define("ssri", flag("ssri_codes", lastYear)).
			Describe("SSRI prescription in the year before elig_date"),

		rules.Define("bmi", rules.Categorisation{
			Branches: []rules.Branch{
				rules.When("Not obese", "bmi_value >= 10 AND bmi_value < 30"),
				rules.When("Obese I (30-34.9)", "bmi_value >= 30 AND bmi_value < 35"),
				rules.When("Obese II (35-39.9)", "bmi_value >= 35 AND bmi_value < 40"),
				rules.When("Obese III (40+)", "bmi_value >= 40 AND bmi_value < 100"),
			},
			Default: "Missing",
		},
			rules.Define("bmi_value", rules.Lookup{
				Concept:   "bmi",
				Window:    lastFiveYears,
				Returning: rules.ReturnNumeric,
			}),
		).Describe("Most recent BMI category"),

		rules.Define("hypertension", flag("hypertension_codes", lastFiveYears)).
			Describe("Hypertension code in the 5 years before elig_date"),
	)
	return vars
}

// firstVaccination is the first record matching concept from the start of the
// vaccination programme.
func firstVaccination(concept string) rules.Lookup {
	return rules.Lookup{
		Concept:   concept,
		Window:    rules.OnOrAfter(rules.Ref(RefStart)),
		Returning: rules.ReturnFirstDate,
	}
}
