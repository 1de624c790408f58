package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/jcvi-cohort-engine/internal/domain"
)

// LoadReferenceDates reads a flat JSON object of name to YYYY-MM-DD, e.g.
//
//	{"ref_age_1": "2021-03-31", "ref_cev": "2021-01-01"}
//
// Every value must be a valid calendar date.
func LoadReferenceDates(path string) (*domain.ReferenceDates, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read reference dates: %w", err)
	}

	raw := v.AllSettings()
	if len(raw) == 0 {
		return nil, fmt.Errorf("reference dates file %s defines no dates", path)
	}

	dates := make(map[string]time.Time, len(raw))
	for name, value := range raw {
		s, ok := value.(string)
		if !ok {
			return nil, domain.NewValidationError(name, "reference date must be a YYYY-MM-DD string", value)
		}
		d, err := domain.ParseDate(s)
		if err != nil {
			return nil, fmt.Errorf("reference date %s: %w", name, err)
		}
		dates[name] = d
	}
	return domain.NewReferenceDates(dates), nil
}
