package orders

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/healthbridge/lab-orders/pkg/types"
)

// criticalDeviationFactor marks a value critical when it sits more than 50%
// outside the reference bound.
const criticalDeviationFactor = 0.5

var (
	rangePattern     = regexp.MustCompile(`^([\d.]+)\s*[-–]\s*([\d.]+)$`)
	upperBoundPrefix = regexp.MustCompile(`^(?:<|<=|≤)\s*([\d.]+)$`)
	lowerBoundPrefix = regexp.MustCompile(`^(?:>|>=|≥)\s*([\d.]+)$`)
)

// Interpret classifies a single result value against the ordered test's
// reference range. Non-numeric values and unparseable ranges read as normal
// with an explanatory note rather than failing result entry.
func Interpret(test types.OrderedTest, value types.ResultValue) types.Interpretation {
	interp := types.Interpretation{
		TestCode: test.Code,
		Level:    types.InterpretationNormal,
	}

	if value.NumericValue == nil {
		if value.StringValue != "" {
			interp.Note = "non-numeric result, manual review required"
		}
		return interp
	}

	refRange := strings.TrimSpace(test.RefRange)
	if refRange == "" {
		interp.Note = "no reference range on ordered test"
		return interp
	}

	v := *value.NumericValue

	if m := rangePattern.FindStringSubmatch(refRange); m != nil {
		min, errMin := strconv.ParseFloat(m[1], 64)
		max, errMax := strconv.ParseFloat(m[2], 64)
		if errMin != nil || errMax != nil || min > max {
			interp.Note = "reference range not interpretable: " + refRange
			return interp
		}
		switch {
		case v < min*(1-criticalDeviationFactor) || v > max*(1+criticalDeviationFactor):
			interp.Level = types.InterpretationCritical
		case v < min:
			interp.Level = types.InterpretationLow
		case v > max:
			interp.Level = types.InterpretationHigh
		}
		return interp
	}

	if m := upperBoundPrefix.FindStringSubmatch(refRange); m != nil {
		if threshold, err := strconv.ParseFloat(m[1], 64); err == nil {
			if v >= threshold {
				interp.Level = types.InterpretationHigh
			}
			return interp
		}
	}

	if m := lowerBoundPrefix.FindStringSubmatch(refRange); m != nil {
		if threshold, err := strconv.ParseFloat(m[1], 64); err == nil {
			if v <= threshold {
				interp.Level = types.InterpretationLow
			}
			return interp
		}
	}

	interp.Note = "reference range not interpretable: " + refRange
	return interp
}

// InterpretAll runs the interpretation over every entered value, matching
// each one to its ordered test.
func InterpretAll(order *types.LabOrder, values []types.ResultValue) []types.Interpretation {
	interpretations := make([]types.Interpretation, 0, len(values))
	for _, value := range values {
		test, ok := order.TestByCode(value.TestCode)
		if !ok {
			// membership is validated before interpretation; keep the
			// output aligned with the input regardless
			interpretations = append(interpretations, types.Interpretation{
				TestCode: value.TestCode,
				Level:    types.InterpretationNormal,
				Note:     "test code not found on order",
			})
			continue
		}
		interpretations = append(interpretations, Interpret(test, value))
	}
	return interpretations
}
