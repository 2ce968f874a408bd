package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBucketExhaustsAndRefills(t *testing.T) {
	tb := NewTokenBucket(2, 10*time.Millisecond, 1)
	require.True(t, tb.Allow())
	require.True(t, tb.Allow())
	require.False(t, tb.Allow())

	time.Sleep(15 * time.Millisecond)
	require.True(t, tb.Allow())
}
