package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArithmeticKeepsScale(t *testing.T) {
	a := MustParse("200.000")
	b := MustParse("300.000")
	require.Equal(t, "500.000", a.Add(b).String())
	require.Equal(t, "-100.000", a.Sub(b).Add(MustParse("0.000")).String())
}

func TestToleranceComparisons(t *testing.T) {
	a := MustParse("500.000")
	b := MustParse("500.0004")
	require.True(t, a.Equal(b))
	require.True(t, a.Sub(b).IsZero())
	require.False(t, MustParse("0.001").IsZero())
	require.True(t, MustParse("0.001").IsPositive())
	require.False(t, MustParse("0.0004").IsPositive())
}

func TestInstallmentRoundingDoesNotDrift(t *testing.T) {
	// 100.000 split into three installments: 33.333 + 33.333 + 33.334.
	total := MustParse("100.000")
	part := MustParse("33.333")
	last := total.Sub(part).Sub(part)
	require.Equal(t, "33.334", last.String())
	require.True(t, Sum(part, part, last).Equal(total))
}

func TestMax0(t *testing.T) {
	require.Equal(t, "0.000", MustParse("-12.500").Max0().String())
	require.Equal(t, "12.500", MustParse("12.500").Max0().String())
}

func TestJSONRoundTrip(t *testing.T) {
	raw, err := json.Marshal(MustParse("1234.500"))
	require.NoError(t, err)
	require.Equal(t, `"1234.500"`, string(raw))

	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`"42.100"`), &a))
	require.Equal(t, "42.100", a.String())
	require.NoError(t, json.Unmarshal([]byte(`42.1`), &a))
	require.Equal(t, "42.100", a.String())
}

func TestFormat(t *testing.T) {
	require.Equal(t, "OMR 1,234.500", MustParse("1234.500").Format())
	require.Equal(t, "OMR 0.050", MustParse("0.05").Format())
}
