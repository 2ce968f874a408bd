package bloomfilter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)
	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		f.Add(keys[i])
	}
	for _, k := range keys {
		require.True(t, f.MayContain(k))
	}
}

func TestFalsePositiveRateBound(t *testing.T) {
	n := 2000
	p := 0.01
	f := New(n, p)
	for i := 0; i < n; i++ {
		f.Add([]byte(fmt.Sprintf("present-%d", i)))
	}

	falsePositives := 0
	trials := 10000
	for i := 0; i < trials; i++ {
		if f.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}

	// A generous margin over the target rate: this is a probabilistic
	// bound, not an exact one.
	require.Less(t, float64(falsePositives)/float64(trials), p*5)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	f := New(100, 0.01)
	f.Add([]byte("hello"))
	f.Add([]byte("world"))

	data := f.Serialize()
	require.Equal(t, f.Len(), len(data))

	got, err := Deserialize(data)
	require.NoError(t, err)
	require.True(t, got.MayContain([]byte("hello")))
	require.True(t, got.MayContain([]byte("world")))
}

func TestDeserializeTruncated(t *testing.T) {
	_, err := Deserialize([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTruncated)
}
