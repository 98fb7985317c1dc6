package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterExhaustsAndRefills(t *testing.T) {
	l := newLimiter(3, 50*time.Millisecond)

	require.True(t, l.allow("ip|10.0.0.1"))
	require.True(t, l.allow("ip|10.0.0.1"))
	require.True(t, l.allow("ip|10.0.0.1"))
	require.False(t, l.allow("ip|10.0.0.1"))

	// Other keys keep their own budget.
	require.True(t, l.allow("ip|10.0.0.2"))

	time.Sleep(60 * time.Millisecond)
	require.True(t, l.allow("ip|10.0.0.1"))
}
