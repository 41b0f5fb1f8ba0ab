package inference

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTensorNumElements(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, Tensor{}.NumElements())
	require.Equal(t, 12, Tensor{Shape: []int64{3, 4}}.NumElements())
	require.Equal(t, 4*3072*256, Tensor{Shape: []int64{1, 4, 3072, 256}}.NumElements())
}
