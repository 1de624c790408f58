// Package codelist loads clinical codelists from CSV sources into immutable
// domain.Concept values and derives new concepts from existing ones.
package codelist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jcvi-cohort-engine/internal/domain"
)

// Load reads a codelist with a header row. codeColumn names the column holding
// codes; categoryColumn, when non-empty, names a column mapping each code to a
// category label. Codes are kept exactly as they appear in the source.
func Load(name string, src io.Reader, system domain.CodingSystem, codeColumn, categoryColumn string) (*domain.Concept, error) {
	if !system.IsValid() {
		return nil, &domain.MalformedCodelistError{Codelist: name, Reason: fmt.Sprintf("unknown coding system %q", system)}
	}

	if categoryColumn != "" && categoryColumn == codeColumn {
		return nil, &domain.MalformedCodelistError{
			Codelist: name,
			Reason:   fmt.Sprintf("column %q cannot hold both codes and categories", codeColumn),
		}
	}

	r := csv.NewReader(src)
	r.ReuseRecord = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, &domain.MalformedCodelistError{Codelist: name, Reason: "source is empty"}
	}
	if err != nil {
		return nil, &domain.MalformedCodelistError{Codelist: name, Row: 1, Reason: err.Error()}
	}

	codeIdx, catIdx := -1, -1
	for i, col := range header {
		col = strings.TrimPrefix(col, "\ufeff")
		switch col {
		case codeColumn:
			codeIdx = i
		case categoryColumn:
			if categoryColumn != "" {
				catIdx = i
			}
		}
	}
	if codeIdx < 0 {
		return nil, &domain.MalformedCodelistError{Codelist: name, Row: 1, Reason: fmt.Sprintf("no code column %q", codeColumn)}
	}
	if categoryColumn != "" && catIdx < 0 {
		return nil, &domain.MalformedCodelistError{Codelist: name, Row: 1, Reason: fmt.Sprintf("no category column %q", categoryColumn)}
	}

	var codes []string
	var categories map[string]string
	if catIdx >= 0 {
		categories = make(map[string]string)
	}

	for row := 2; ; row++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &domain.MalformedCodelistError{Codelist: name, Row: row, Reason: err.Error()}
		}

		code := record[codeIdx]
		if code == "" {
			return nil, &domain.MalformedCodelistError{Codelist: name, Row: row, Reason: "row has no code"}
		}
		codes = append(codes, code)

		if catIdx < 0 {
			continue
		}
		label := record[catIdx]
		if label == "" {
			return nil, &domain.MalformedCodelistError{Codelist: name, Row: row, Reason: fmt.Sprintf("code %q has no category", code)}
		}
		if prev, seen := categories[code]; seen && prev != label {
			return nil, &domain.MalformedCodelistError{
				Codelist: name,
				Row:      row,
				Reason:   fmt.Sprintf("code %q is in categories %q and %q", code, prev, label),
			}
		}
		categories[code] = label
	}

	return domain.NewConcept(name, system, codes, categories), nil
}

// LoadFile is Load over a file on disk.
func LoadFile(name, path string, system domain.CodingSystem, codeColumn, categoryColumn string) (*domain.Concept, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open codelist %s: %w", name, err)
	}
	defer f.Close()

	return Load(name, f, system, codeColumn, categoryColumn)
}

// Combine returns the union of the given concepts' codes. All inputs must use
// the same coding system. Category labels are carried over where present.
func Combine(name string, concepts ...*domain.Concept) (*domain.Concept, error) {
	if len(concepts) == 0 {
		return nil, &domain.MalformedCodelistError{Codelist: name, Reason: "nothing to combine"}
	}

	for i, c := range concepts {
		if c == nil {
			return nil, &domain.MalformedCodelistError{Codelist: name, Reason: fmt.Sprintf("codelist %d to combine is nil", i+1)}
		}
	}

	system := concepts[0].System
	var systems []domain.CodingSystem
	seenSystems := make(map[domain.CodingSystem]bool)
	for _, c := range concepts {
		if !seenSystems[c.System] {
			seenSystems[c.System] = true
			systems = append(systems, c.System)
		}
	}
	if len(systems) > 1 {
		return nil, &domain.IncompatibleCodingSystemError{Codelist: name, Systems: systems}
	}

	var codes []string
	var categories map[string]string
	for _, c := range concepts {
		codes = append(codes, c.Codes()...)
		if !c.HasCategories() {
			continue
		}
		if categories == nil {
			categories = make(map[string]string)
		}
		for code, label := range c.Categories() {
			if prev, ok := categories[code]; ok && prev != label {
				return nil, &domain.MalformedCodelistError{
					Codelist: name,
					Reason:   fmt.Sprintf("code %q is in categories %q (%s) and %q", code, prev, c.Name, label),
				}
			}
			categories[code] = label
		}
	}
	return domain.NewConcept(name, system, codes, categories), nil
}

// FilterByCategory returns the codes of a categorised concept whose label is
// one of include, e.g. the ever-smoked subset of a smoking status codelist.
func FilterByCategory(name string, concept *domain.Concept, include ...string) (*domain.Concept, error) {
	if concept == nil {
		return nil, &domain.MalformedCodelistError{Codelist: name, Reason: "no codelist to filter"}
	}
	if !concept.HasCategories() {
		return nil, &domain.MalformedCodelistError{Codelist: name, Reason: fmt.Sprintf("codelist %q has no categories to filter on", concept.Name)}
	}
	keep := make(map[string]bool, len(include))
	for _, label := range include {
		keep[label] = true
	}

	var codes []string
	categories := make(map[string]string)
	for code, label := range concept.Categories() {
		if keep[label] {
			codes = append(codes, code)
			categories[code] = label
		}
	}
	return domain.NewConcept(name, concept.System, codes, categories), nil
}
