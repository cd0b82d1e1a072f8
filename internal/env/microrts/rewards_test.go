package microrts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRewardWeights(t *testing.T) {
	weights, err := ParseRewardWeights("10, 1, 1, 0.2, 1, 4")
	require.NoError(t, err)
	require.Equal(t, DefaultRewardWeights, weights)
}

func TestParseRewardWeightsRejectsBadInput(t *testing.T) {
	_, err := ParseRewardWeights("10,1,1")
	require.Error(t, err, "wrong arity")
	_, err = ParseRewardWeights("10,1,1,0.2,1,attack")
	require.Error(t, err, "non-numeric component")
}
