package codelist

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcvi-cohort-engine/internal/domain"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestLoad(t *testing.T) {
	src := "code,term\n195967001,Asthma\n 195967001,Asthma (padded)\n266361008,Intrinsic asthma\n"

	concept, err := Load("ast", strings.NewReader(src), domain.SNOMED, "code", "")
	require.NoError(t, err)

	assert.Equal(t, "ast", concept.Name)
	assert.Equal(t, domain.SNOMED, concept.System)
	assert.Equal(t, 3, concept.Len())
	assert.True(t, concept.Contains("195967001"))
	assert.True(t, concept.Contains(" 195967001"), "codes are opaque strings")
	assert.False(t, concept.HasCategories())
}

func TestLoad_WithCategories(t *testing.T) {
	src := "CTV3Code,Category\n137L.,S\n137S.,E\n1371.,N\n137L.,S\n"

	concept, err := Load("clear_smoking_codes", strings.NewReader(src), domain.CTV3, "CTV3Code", "Category")
	require.NoError(t, err)

	require.True(t, concept.HasCategories())
	label, ok := concept.Category("137S.")
	assert.True(t, ok)
	assert.Equal(t, "E", label)
	assert.Equal(t, 3, concept.Len())
}

func TestLoad_Malformed(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		system   domain.CodingSystem
		category string
		row      int
	}{
		{name: "empty source", src: "", system: domain.SNOMED},
		{name: "missing code column", src: "id,term\n1,a\n", system: domain.SNOMED, row: 1},
		{name: "missing category column", src: "code\n1\n", system: domain.SNOMED, category: "Category", row: 1},
		{name: "row without code", src: "code,term\n1,a\n,b\n", system: domain.SNOMED, row: 3},
		{name: "row without category", src: "code,Category\n1,S\n2,\n", system: domain.CTV3, category: "Category", row: 3},
		{name: "conflicting categories", src: "code,Category\n1,S\n1,N\n", system: domain.CTV3, category: "Category", row: 3},
		{name: "ragged row", src: "code,term\n1,a,extra\n", system: domain.SNOMED, row: 2},
		{name: "unknown coding system", src: "code\n1\n", system: "read9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("bad", strings.NewReader(tt.src), tt.system, "code", tt.category)
			require.Error(t, err)

			var malformed *domain.MalformedCodelistError
			require.True(t, errors.As(err, &malformed), "got %T", err)
			assert.Equal(t, "bad", malformed.Codelist)
			assert.Equal(t, tt.row, malformed.Row)
		})
	}
}

func TestLoad_SameCodeAndCategoryColumn(t *testing.T) {
	_, err := Load("bad", strings.NewReader("code\n1\n"), domain.SNOMED, "code", "code")

	var malformed *domain.MalformedCodelistError
	require.True(t, errors.As(err, &malformed), "got %T", err)
	assert.Contains(t, malformed.Reason, "both codes and categories")
	assert.NotContains(t, malformed.Reason, "no category column")
}

func TestCombine(t *testing.T) {
	a := domain.NewConcept("a", domain.SNOMED, []string{"1", "2"}, nil)
	b := domain.NewConcept("b", domain.SNOMED, []string{"2", "3"}, nil)

	combined, err := Combine("ab", a, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, combined.Codes())
	assert.Equal(t, domain.SNOMED, combined.System)

	c := domain.NewConcept("c", domain.CTV3, []string{"X"}, nil)
	_, err = Combine("abc", a, b, c)
	var incompatible *domain.IncompatibleCodingSystemError
	require.True(t, errors.As(err, &incompatible))
	assert.Equal(t, []domain.CodingSystem{domain.SNOMED, domain.CTV3}, incompatible.Systems)

	_, err = Combine("none")
	assert.Error(t, err)

	var malformed *domain.MalformedCodelistError
	require.NotPanics(t, func() { _, err = Combine("with_nil", a, nil) })
	require.True(t, errors.As(err, &malformed), "got %T", err)
	assert.Equal(t, "with_nil", malformed.Codelist)
}

func TestFilterByCategory(t *testing.T) {
	smoking := domain.NewConcept("smoking", domain.CTV3, []string{"s", "e", "n"},
		map[string]string{"s": "S", "e": "E", "n": "N"})

	ever, err := FilterByCategory("ever_smoked", smoking, "S", "E")
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "s"}, ever.Codes())
	assert.True(t, ever.HasCategories())

	_, err = FilterByCategory("x", domain.NewConcept("plain", domain.CTV3, []string{"a"}, nil), "S")
	assert.Error(t, err)

	var malformed *domain.MalformedCodelistError
	require.NotPanics(t, func() { _, err = FilterByCategory("from_nil", nil, "S") })
	require.True(t, errors.As(err, &malformed), "got %T", err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(domain.NewConcept("ast", domain.SNOMED, []string{"1"}, nil)))
	assert.Error(t, reg.Register(domain.NewConcept("ast", domain.SNOMED, []string{"2"}, nil)))

	c, ok := reg.Get("ast")
	require.True(t, ok)
	assert.True(t, c.Contains("1"))

	reg.Freeze()
	assert.Error(t, reg.Register(domain.NewConcept("late", domain.SNOMED, nil, nil)))
	assert.Equal(t, []string{"ast"}, reg.Names())
	assert.Panics(t, func() { reg.MustGet("nope") })
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ast.csv", "code\n195967001\n")
	writeFile(t, dir, "astadm.csv", "code\n183478001\n")
	writeFile(t, dir, "smoking.csv", "CTV3Code,Category\n137L.,S\n137S.,E\n1371.,N\n")
	writeFile(t, dir, "codelists.yaml", `
codelists:
  - name: ast
    file: ast.csv
    system: snomed
  - name: astadm
    file: astadm.csv
    system: snomed
  - name: resp_cov
    combine: [ast, astadm]
  - name: clear_smoking_codes
    file: smoking.csv
    system: ctv3
    column: CTV3Code
    category_column: Category
  - name: ever_smoked
    filter:
      from: clear_smoking_codes
      categories: [S, E]
`)

	reg, err := LoadManifest(filepath.Join(dir, "codelists.yaml"), "", quietLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"ast", "astadm", "clear_smoking_codes", "ever_smoked", "resp_cov"}, reg.Names())
	assert.Equal(t, 2, reg.MustGet("resp_cov").Len())
	assert.Equal(t, 2, reg.MustGet("ever_smoked").Len())
	assert.Error(t, reg.Register(domain.NewConcept("x", domain.SNOMED, nil, nil)), "registry is frozen after load")
}

func TestLoadManifest_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "forward.yaml", `
codelists:
  - name: both
    combine: [a, b]
`)
	_, err := LoadManifest(filepath.Join(dir, "forward.yaml"), "", quietLogger())
	assert.ErrorIs(t, err, domain.ErrUnknownConcept)

	writeFile(t, dir, "ambiguous.yaml", `
codelists:
  - name: x
    file: x.csv
    combine: [a]
`)
	_, err = LoadManifest(filepath.Join(dir, "ambiguous.yaml"), "", quietLogger())
	var malformed *domain.MalformedCodelistError
	assert.True(t, errors.As(err, &malformed))

	writeFile(t, dir, "empty.yaml", "codelists: []\n")
	_, err = LoadManifest(filepath.Join(dir, "empty.yaml"), "", quietLogger())
	assert.Error(t, err)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}
