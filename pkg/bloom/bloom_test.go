package bloom_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hungtd9/heftydb/pkg/bloom"
)

func TestFilterNeverFalseNegative(t *testing.T) {
	f := bloom.New(1000, 0.01)
	var present [][]byte
	for i := 0; i < 500; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		f.Add(k)
		present = append(present, k)
	}
	for _, k := range present {
		require.True(t, f.Test(k), "bloom filter must never false-negative on an inserted key")
	}
}

func TestFilterSerializeRoundTrip(t *testing.T) {
	f := bloom.New(100, 0.01)
	f.Add([]byte("alpha"))
	f.Add([]byte("beta"))

	data := f.Serialize()
	restored, err := bloom.Deserialize(data)
	require.NoError(t, err)
	require.True(t, restored.Test([]byte("alpha")))
	require.True(t, restored.Test([]byte("beta")))
}

func TestDeserializeRejectsTruncatedBytes(t *testing.T) {
	_, err := bloom.Deserialize([]byte{1, 2, 3})
	require.Error(t, err)
}
