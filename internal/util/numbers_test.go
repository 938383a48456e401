package util

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToFloat64(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{float64(12.5), 12.5, true},
		{42, 42, true},
		{json.Number("7"), 7, true},
		{" 30 ", 30, true},
		{"ten", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, c := range cases {
		got, ok := ToFloat64(c.in)
		require.Equal(t, c.ok, ok, "%v", c.in)
		require.Equal(t, c.want, got, "%v", c.in)
	}
}

func TestRound1AndClamp(t *testing.T) {
	t.Parallel()

	require.Equal(t, 21.4, Round1(21.437))
	require.Equal(t, -0.1, Round1(-0.06))
	require.Equal(t, 2.48, Clamp(3.3, 1.0, 2.48))
	require.Equal(t, 1.0, Clamp(0.2, 1.0, 2.48))
}
