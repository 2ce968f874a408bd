package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := NewPut([]byte("users/42"), []byte("alice"), 123456789)

	buf, err := rec.Encode()
	require.NoError(t, err)
	require.Equal(t, rec.EncodedLen(), len(buf))

	got, n, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, rec.Key, got.Key)
	require.Equal(t, rec.Value, got.Value)
	require.Equal(t, rec.Timestamp, got.Timestamp)
	require.Equal(t, rec.Op, got.Op)
}

func TestEncodeDecodeTombstone(t *testing.T) {
	rec := NewDelete([]byte("users/42"), 5)
	buf, err := rec.Encode()
	require.NoError(t, err)

	got, _, err := Decode(buf)
	require.NoError(t, err)
	require.True(t, got.IsTombstone())
	require.Empty(t, got.Value)
}

func TestDecodeDetectsCorruption(t *testing.T) {
	rec := NewPut([]byte("k"), []byte("v"), 1)
	buf, err := rec.Encode()
	require.NoError(t, err)

	buf[len(buf)-1] ^= 0xFF // flip a byte inside the value

	_, _, err = Decode(buf)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeDetectsTruncation(t *testing.T) {
	rec := NewPut([]byte("k"), []byte("value-longer-than-header"), 1)
	buf, err := rec.Encode()
	require.NoError(t, err)

	_, _, err = Decode(buf[:len(buf)-3])
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestValidateRejectsOversizedKey(t *testing.T) {
	rec := &Record{Key: make([]byte, MaxKeyLen+1)}
	require.ErrorIs(t, rec.Validate(), ErrKeyTooLarge)
}
