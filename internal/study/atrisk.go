package study

import (
	"fmt"
	"strings"

	"github.com/jcvi-cohort-engine/internal/rules"
)

// atRisk describes where the at-risk group lookups look. The phase one
// derivation and the covariates use the same definitions over different
// windows, so both are generated from one builder.
type atRisk struct {
	// suffix is appended to every group name, e.g. "_temp" in phase one.
	suffix string
	// window bounds the diagnosis lookups.
	window rules.WindowSpec
	// dayBefore is the last day looked at; prescription windows count back
	// from it.
	dayBefore rules.Anchor
	// immrxFrom opens the immunosuppression prescription window.
	immrxFrom rules.Anchor
	// asthmaDx bounds the asthma diagnosis lookup. When asthmaDxPublic is
	// set the lookup is emitted as the top-level variable astdx instead of a
	// sub-variable of the asthma group.
	asthmaDx       rules.WindowSpec
	asthmaDxPublic bool
	// respIncludesAsthma folds the asthma group into the respiratory group.
	respIncludesAsthma bool
	// combined, when non-empty, names an extra variable that is true when
	// any at-risk group is.
	combined string
}

func (a atRisk) name(base string) string {
	return base + a.suffix
}

func flag(concept string, window rules.WindowSpec) rules.Lookup {
	return rules.Lookup{Concept: concept, Window: window, Returning: rules.ReturnFlag}
}

func lastDate(concept string, window rules.WindowSpec) rules.Lookup {
	return rules.Lookup{Concept: concept, Window: window, Returning: rules.ReturnLastDate}
}

// steroidMonth is the window of the nth month of systemic steroid
// prescriptions counted back from dayBefore.
func (a atRisk) steroidMonth(n int) rules.WindowSpec {
	switch n {
	case 1:
		return rules.Between(a.dayBefore.Plus(rules.Days(-30)), a.dayBefore)
	case 2:
		return rules.Between(a.dayBefore.Plus(rules.Days(-60)), a.dayBefore.Plus(rules.Days(-31)))
	default:
		return rules.Between(a.dayBefore.Plus(rules.Days(-90)), a.dayBefore.Plus(rules.Days(-61)))
	}
}

// groupNames lists the at-risk group variables in declaration order.
func (a atRisk) groupNames() []string {
	bases := []string{
		"immuno_group", "ckd_group", "resp_group", "diab_group", "cld_group",
		"cns_group", "chd_group", "spln_group", "learndis_group", "sevment_group",
		"sevobese_group",
	}
	names := make([]string, len(bases))
	for i, b := range bases {
		names[i] = a.name(b)
	}
	return names
}

// vars builds the at-risk group variables.
func (a atRisk) vars() []rules.Var {
	var out []rules.Var

	astdx := rules.Define("astdx", flag("ast", a.asthmaDx))
	asthmaSubs := []rules.Var{
		rules.Define("astadm", flag("astadm", a.window)),
		rules.Define("astrxm1", flag("astrx", a.steroidMonth(1))),
		rules.Define("astrxm2", flag("astrx", a.steroidMonth(2))),
		rules.Define("astrxm3", flag("astrx", a.steroidMonth(3))),
	}
	if a.asthmaDxPublic {
		out = append(out, astdx.Describe("Asthma diagnosis code"))
	} else {
		asthmaSubs = append([]rules.Var{astdx}, asthmaSubs...)
	}
	out = append(out, rules.Define(a.name("asthma_group"),
		rules.Formula("astadm OR (astdx AND astrxm1 AND astrxm2 AND astrxm3)"),
		asthmaSubs...,
	).Describe("Asthma admission, or diagnosis with steroid prescriptions in each of the last three months"))

	if a.respIncludesAsthma {
		out = append(out, rules.Define(a.name("resp_group"),
			rules.Formula(fmt.Sprintf("%s OR resp_cov", a.name("asthma_group"))),
			rules.Define("resp_cov", flag("resp_cov", a.window)),
		).Describe("Chronic respiratory disease"))
	} else {
		out = append(out, rules.Define(a.name("resp_group"), flag("resp_cov", a.window)).
			Describe("Chronic respiratory disease other than asthma"))
	}

	out = append(out,
		rules.Define(a.name("cns_group"), flag("cns_cov", a.window)).
			Describe("Chronic neurological disease including significant learning disorder"),

		rules.Define(a.name("sevobese_group"),
			rules.Formula(`(sev_obesity_date AND NOT bmi_date) OR
				(sev_obesity_date > bmi_date) OR
				bmi_value >= 40`),
			rules.Define("bmi_stage_date", lastDate("bmi_stage", rules.OnOrBefore(a.dayBefore))),
			rules.Define("sev_obesity_date", lastDate("sev_obesity",
				rules.Between(rules.DateOfVar("bmi_stage_date"), a.dayBefore))),
			rules.Define("bmi_date", lastDate("bmi", rules.OnOrBefore(a.dayBefore))),
			rules.Define("bmi_value", rules.Lookup{
				Concept:   "bmi",
				Window:    rules.OnOrBefore(a.dayBefore),
				Returning: rules.ReturnNumeric,
			}),
		).Describe("Severe obesity"),

		rules.Define(a.name("diab_group"),
			rules.Formula("(NOT dmres_date AND diab_date) OR (dmres_date < diab_date)"),
			rules.Define("diab_date", lastDate("diab", a.window)),
			rules.Define("dmres_date", lastDate("dmres", a.window)),
		).Describe("Diabetes not followed by a resolution code"),

		rules.Define(a.name("sevment_group"),
			rules.Formula("(NOT smhres_date AND sev_mental_date) OR smhres_date < sev_mental_date"),
			rules.Define("sev_mental_date", lastDate("sev_mental", a.window)),
			rules.Define("smhres_date", lastDate("smhres", a.window)),
		).Describe("Severe mental illness not followed by remission"),

		rules.Define(a.name("chd_group"), flag("chd_cov", a.window)).
			Describe("Chronic heart disease"),

		rules.Define(a.name("ckd_group"),
			rules.Formula(`ckd OR
				(ckd15_date AND
				(ckd35_date >= ckd15_date) OR (ckd35_date AND NOT ckd15_date))`),
			rules.Define("ckd15_date", lastDate("ckd15", a.window)),
			rules.Define("ckd35_date", lastDate("ckd35", a.window)),
			rules.Define("ckd", flag("ckd_cov", a.window)),
		).Describe("Chronic kidney disease"),

		rules.Define(a.name("cld_group"), flag("cld", a.window)).
			Describe("Chronic liver disease"),

		rules.Define(a.name("immuno_group"),
			rules.Formula("immrx OR immdx"),
			rules.Define("immdx", flag("immdx_cov", a.window)),
			rules.Define("immrx", flag("immrx", rules.Between(a.immrxFrom, a.dayBefore))),
		).Describe("Immunosuppression"),

		rules.Define(a.name("spln_group"), flag("spln_cov", a.window)).
			Describe("Asplenia or dysfunction of the spleen"),

		rules.Define(a.name("learndis_group"), flag("learndis", a.window)).
			Describe("Wider learning disability"),
	)

	if a.combined != "" {
		out = append(out, rules.Define(a.combined,
			rules.Formula(strings.Join(a.groupNames(), " OR ")),
		).Describe("Any at-risk group"))
	}
	return out
}

// cev builds the clinically extremely vulnerable flags: a shielding code in
// window not superseded by a later non-shielding code up to dayBefore.
func cev(suffix string, window rules.WindowSpec, dayBefore rules.Anchor) []rules.Var {
	return []rules.Var{
		rules.Define("cev_ever"+suffix, flag("shield", window)).
			Describe("Any shielding code"),
		rules.Define("cev_group"+suffix,
			rules.Formula("severely_clinically_vulnerable AND NOT less_vulnerable"),
			rules.Define("severely_clinically_vulnerable", flag("shield", window)),
			rules.Define("severely_clinically_vulnerable_date", rules.DateOf{Var: "severely_clinically_vulnerable"}),
			rules.Define("less_vulnerable", flag("nonshield", rules.Between(
				rules.DateOfVar("severely_clinically_vulnerable_date").Plus(rules.Days(1)),
				dayBefore,
			))),
		).Describe("Clinically extremely vulnerable"),
	}
}
