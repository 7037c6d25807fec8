package match

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_DefaultPattern(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	m, err := New("", Body)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	properties.Property("six_digit_run_is_extracted", prop.ForAll(
		func(n int, prefix, suffix string) bool {
			code := fmt.Sprintf("%06d", n)
			got, ok := m.Match(prefix + " " + code + " " + suffix)
			return ok && got == code
		},
		gen.IntRange(0, 999999),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("longer_runs_are_ignored", prop.ForAll(
		func(n int, prefix string) bool {
			_, ok := m.Match(prefix + fmt.Sprintf(" %d ", n))
			return !ok
		},
		gen.IntRange(1000000, 99999999),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
