package study

import (
	"fmt"
	"strings"

	"github.com/jcvi-cohort-engine/internal/domain"
)

// Codelists names every codelist the study graphs look up. A registry
// handed to New must provide all of them.
var Codelists = []string{
	// at-risk groups
	"ast", "astadm", "astrx", "resp_cov", "cns_cov", "chd_cov",
	"ckd_cov", "ckd15", "ckd35", "cld", "diab", "dmres",
	"immdx_cov", "immrx", "spln_cov", "learndis",
	"sev_mental", "smhres", "bmi", "bmi_stage", "sev_obesity",
	// clinically extremely vulnerable
	"shield", "nonshield",
	// residence and pregnancy
	"longres", "preg", "pregdel",
	// covariates
	"eth2001", "clear_smoking_codes", "ever_smoked",
	"covid_primary_care_probable_combined",
	"midazolam_codes", "eol_codes", "dmards_codes", "ssri_codes",
	"hypertension_codes",
	"covid_vax_disease", "covid_vax_pfizer", "covid_vax_az", "covid_vax_moderna",
}

// categorised lists the codelists that must carry a category column.
var categorised = []string{"eth2001", "clear_smoking_codes"}

// CheckRegistry reports every required codelist missing from registry in one
// error, so that a misconfigured manifest is fixed in a single pass.
func CheckRegistry(registry domain.ConceptRegistry) error {
	var missing []string
	for _, name := range Codelists {
		if _, ok := registry.Get(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownConcept, strings.Join(missing, ", "))
	}
	for _, name := range categorised {
		c, _ := registry.Get(name)
		if !c.HasCategories() {
			return &domain.MalformedCodelistError{Codelist: name, Reason: "study needs a category column"}
		}
	}
	return nil
}
