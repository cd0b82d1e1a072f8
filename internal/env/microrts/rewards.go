package microrts

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NumRewardComponents is the number of shaped reward components the
// server combines into the scalar step reward.
const NumRewardComponents = 6

// DefaultRewardWeights is the standard shaping: a dominant win signal
// plus small bonuses for resource gathering, worker production,
// construction, harvest delivery and attacks.
var DefaultRewardWeights = []float32{10, 1, 1, 0.2, 1, 4}

// ParseRewardWeights parses a comma-separated list of the six shaped
// reward component weights, in server order: win, resource,
// produce-worker, construct, harvest, attack.
func ParseRewardWeights(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	if len(parts) != NumRewardComponents {
		return nil, errors.Errorf("reward weights need exactly %d comma-separated components, got %d in %q",
			NumRewardComponents, len(parts), s)
	}
	weights := make([]float32, len(parts))
	for i, part := range parts {
		w, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, errors.Wrapf(err, "bad reward weight %q", part)
		}
		weights[i] = float32(w)
	}
	return weights, nil
}
