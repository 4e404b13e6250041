package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, expr string) *Schedule {
	s, err := Parse(expr)
	require.NoError(t, err)
	return s
}

func TestParseRejectsWrongFieldCount(t *testing.T) {
	_, err := Parse("* * * *")
	assert.Error(t, err)
}

func TestParseRejectsOutOfRangeValue(t *testing.T) {
	_, err := Parse("0 25 * * *")
	assert.Error(t, err)
}

func TestNextEveryMinute(t *testing.T) {
	s := mustParse(t, "* * * * *")
	from := time.Date(2026, 8, 6, 10, 30, 15, 0, time.UTC)
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 6, 10, 31, 0, 0, time.UTC), next)
}

func TestNextDailyAtMidnight(t *testing.T) {
	s := mustParse(t, "0 0 * * *")
	from := time.Date(2026, 8, 6, 23, 59, 0, 0, time.UTC)
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 7, 0, 0, 0, 0, time.UTC), next)
}

func TestNextSkipsToNextMonth(t *testing.T) {
	s := mustParse(t, "0 0 1 * *")
	from := time.Date(2026, 8, 6, 0, 0, 0, 0, time.UTC)
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), next)
}

func TestNextStepExpression(t *testing.T) {
	s := mustParse(t, "*/15 * * * *")
	from := time.Date(2026, 8, 6, 10, 1, 0, 0, time.UTC)
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 6, 10, 15, 0, 0, time.UTC), next)
}

func TestNextStepExpressionWithNonZeroBase(t *testing.T) {
	// 5/15 fires at minutes 5, 20, 35, 50 of every hour.
	s := mustParse(t, "5/15 * * * *")
	from := time.Date(2026, 8, 6, 10, 6, 0, 0, time.UTC)
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 6, 10, 20, 0, 0, time.UTC), next)

	next, err = s.Next(next)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 6, 10, 35, 0, 0, time.UTC), next)
}

func TestNextDayOfWeek(t *testing.T) {
	// Every Monday at 09:00. 2026-08-06 is a Thursday.
	s := mustParse(t, "0 9 * * 1")
	from := time.Date(2026, 8, 6, 10, 0, 0, 0, time.UTC)
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.True(t, next.After(from))
}

func TestDayMatchesIsORWhenBothFieldsRestricted(t *testing.T) {
	// dom=1 OR dow=Monday, non-wildcard on both sides.
	s := mustParse(t, "0 0 1 * 1")
	from := time.Date(2026, 8, 6, 0, 0, 0, 0, time.UTC) // Thursday
	next, err := s.Next(from)
	require.NoError(t, err)
	assert.True(t, next.Day() == 1 || next.Weekday() == time.Monday)
}

func TestNextUnsatisfiableExpressionErrors(t *testing.T) {
	// February 30th never exists.
	s := mustParse(t, "0 0 30 2 *")
	_, err := s.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
}
