package clinical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractDoseConstraints(t *testing.T) {
	c := ExtractDoseConstraints("Maximum 20 mg/dose. Do not exceed 40 mg/day. Up to 2 mg/kg/day.")

	require.NotNil(t, c.MaxSingleDoseMg)
	require.NotNil(t, c.MaxDailyDoseMg)
	require.NotNil(t, c.MaxDailyDoseMgPerKgDay)
	assert.Equal(t, 20.0, *c.MaxSingleDoseMg)
	assert.Equal(t, 40.0, *c.MaxDailyDoseMg)
	assert.Equal(t, 2.0, *c.MaxDailyDoseMgPerKgDay)
}

func TestExtractDoseConstraintsPicksTightestCeilings(t *testing.T) {
	text := `Usual single dose of 500 mg.  MAXIMUM 400 mg / dose.
		Not to exceed 3000 mg/day; max 2400 mg/day in elderly.
		Children: 10 to 20 mg/kg/day, max 30 mg/kg/day.`
	c := ExtractDoseConstraints(text)

	require.NotNil(t, c.MaxSingleDoseMg)
	assert.Equal(t, 400.0, *c.MaxSingleDoseMg)
	require.NotNil(t, c.MaxDailyDoseMg)
	assert.Equal(t, 2400.0, *c.MaxDailyDoseMg)
	require.NotNil(t, c.MaxDailyDoseMgPerKgDay)
	assert.Equal(t, 30.0, *c.MaxDailyDoseMgPerKgDay)
}

func TestExtractDoseConstraintsRangeUsesUpperBound(t *testing.T) {
	c := ExtractDoseConstraints("Give 7.5-12.5 mg/kg/day divided every 8 hours.")

	assert.Nil(t, c.MaxSingleDoseMg)
	assert.Nil(t, c.MaxDailyDoseMg)
	require.NotNil(t, c.MaxDailyDoseMgPerKgDay)
	assert.Equal(t, 12.5, *c.MaxDailyDoseMgPerKgDay)
}

func TestExtractDoseConstraintsIgnoresNonPositive(t *testing.T) {
	c := ExtractDoseConstraints("Do not exceed 0 mg/day. Take with food.")
	assert.True(t, c.Empty())
}
