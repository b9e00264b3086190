package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/healthbridge/lab-orders/pkg/types"
)

func floatPtr(v float64) *float64 { return &v }

func TestInterpret_BoundedRange(t *testing.T) {
	test := types.OrderedTest{Name: "WBC", Code: "WBC", SpecimenType: "Blood", RefRange: "50-100"}

	cases := []struct {
		name  string
		value float64
		want  types.InterpretationLevel
	}{
		{"below range", 40, types.InterpretationLow},
		{"far below range", 20, types.InterpretationCritical},
		{"inside range", 75, types.InterpretationNormal},
		{"at lower bound", 50, types.InterpretationNormal},
		{"at upper bound", 100, types.InterpretationNormal},
		{"above range", 120, types.InterpretationHigh},
		{"far above range", 160, types.InterpretationCritical},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Interpret(test, types.ResultValue{TestCode: "WBC", NumericValue: floatPtr(tc.value)})
			assert.Equal(t, tc.want, got.Level)
		})
	}
}

func TestInterpret_SpacedRange(t *testing.T) {
	test := types.OrderedTest{Code: "HGB", RefRange: "4.5 - 11.0"}

	got := Interpret(test, types.ResultValue{TestCode: "HGB", NumericValue: floatPtr(3.0)})
	assert.Equal(t, types.InterpretationLow, got.Level)

	got = Interpret(test, types.ResultValue{TestCode: "HGB", NumericValue: floatPtr(7.2)})
	assert.Equal(t, types.InterpretationNormal, got.Level)
}

func TestInterpret_UpperBoundThreshold(t *testing.T) {
	test := types.OrderedTest{Code: "CRP", RefRange: "< 5"}

	got := Interpret(test, types.ResultValue{TestCode: "CRP", NumericValue: floatPtr(4.9)})
	assert.Equal(t, types.InterpretationNormal, got.Level)

	got = Interpret(test, types.ResultValue{TestCode: "CRP", NumericValue: floatPtr(5.0)})
	assert.Equal(t, types.InterpretationHigh, got.Level)

	test.RefRange = "≤ 5"
	got = Interpret(test, types.ResultValue{TestCode: "CRP", NumericValue: floatPtr(12)})
	assert.Equal(t, types.InterpretationHigh, got.Level)
}

func TestInterpret_LowerBoundThreshold(t *testing.T) {
	test := types.OrderedTest{Code: "EGFR", RefRange: "> 60"}

	got := Interpret(test, types.ResultValue{TestCode: "EGFR", NumericValue: floatPtr(60)})
	assert.Equal(t, types.InterpretationLow, got.Level)

	got = Interpret(test, types.ResultValue{TestCode: "EGFR", NumericValue: floatPtr(90)})
	assert.Equal(t, types.InterpretationNormal, got.Level)
}

func TestInterpret_UnparseableRange(t *testing.T) {
	test := types.OrderedTest{Code: "ABO", RefRange: "see lab manual"}

	got := Interpret(test, types.ResultValue{TestCode: "ABO", NumericValue: floatPtr(1)})
	assert.Equal(t, types.InterpretationNormal, got.Level)
	assert.NotEmpty(t, got.Note)
}

func TestInterpret_NonNumericValue(t *testing.T) {
	test := types.OrderedTest{Code: "CULT", RefRange: "50-100"}

	got := Interpret(test, types.ResultValue{TestCode: "CULT", StringValue: "no growth"})
	assert.Equal(t, types.InterpretationNormal, got.Level)
	assert.NotEmpty(t, got.Note)
}

func TestInterpret_MissingRange(t *testing.T) {
	test := types.OrderedTest{Code: "MISC"}

	got := Interpret(test, types.ResultValue{TestCode: "MISC", NumericValue: floatPtr(42)})
	assert.Equal(t, types.InterpretationNormal, got.Level)
	assert.NotEmpty(t, got.Note)
}

func TestInterpretAll_MatchesValuesToTests(t *testing.T) {
	order := &types.LabOrder{
		Tests: []types.OrderedTest{
			{Name: "CBC", Code: "CBC", SpecimenType: "Blood", RefRange: "4.5-11.0"},
			{Name: "CRP", Code: "CRP", SpecimenType: "Blood", RefRange: "< 5"},
		},
	}

	interpretations := InterpretAll(order, []types.ResultValue{
		{TestCode: "CBC", NumericValue: floatPtr(3.0)},
		{TestCode: "CRP", NumericValue: floatPtr(8.0)},
	})

	assert.Len(t, interpretations, 2)
	assert.Equal(t, types.InterpretationLow, interpretations[0].Level)
	assert.Equal(t, types.InterpretationHigh, interpretations[1].Level)
}
