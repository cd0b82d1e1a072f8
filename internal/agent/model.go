package agent

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/microrts-go/trainer/internal/env"
	"github.com/microrts-go/trainer/internal/spaces"
)

// illegalLogit is added in place of the logits of masked-out action
// values. Large enough that softmax assigns them probability zero in
// float32, small enough to stay finite.
const illegalLogit = -1e8

// convFilters are the channel counts of the convolutional trunk, and
// hiddenDim the width of the fully connected layer feeding both heads.
var convFilters = [...]int{16, 32, 32}

const hiddenDim = 256

// Model holds the actor-critic network: a shared convolutional trunk
// over the grid observation, a policy head emitting one logit per flat
// action value, and a scalar value head.
//
// All weights and hyperparameters live in the GoMLX context; graphs are
// rebuilt from it on demand by the executors in Agent.
type Model struct {
	ctx      *context.Context
	obsShape env.ObsShape
	space    *spaces.MultiDiscrete
}

// NewModel creates a model with a fresh context, initialized with
// hyperparameters set to their defaults.
func NewModel(obsShape env.ObsShape, space *spaces.MultiDiscrete) *Model {
	m := &Model{
		ctx:      context.New(),
		obsShape: obsShape,
		space:    space,
	}
	m.ctx.RngStateReset()
	m.ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 2.5e-4,
		optimizers.ParamAdamEpsilon:  1e-5,

		// PPO surrogate objective.
		"clip_coef":  0.1,
		"vf_coef":    0.5,
		"ent_coef":   0.01,
		"clip_vloss": true,

		ParamMaxGradNorm: 0.5,

		// Weight of the divergence bonus against the frozen reference
		// policy. Zero disables the term and its graph.
		"diversity_coef": 0.0,
	})
	m.ctx = m.ctx.Checked(false)
	return m
}

func (m *Model) Context() *context.Context { return m.ctx }

// trunkGraph builds the shared feature extractor: obs arrives flattened
// as [batch, H*W*C] and is reshaped to channels-last for convolution.
func (m *Model) trunkGraph(ctx *context.Context, obs *Node) *Node {
	batchSize := obs.Shape().Dim(0)
	x := Reshape(obs, batchSize, m.obsShape.Height, m.obsShape.Width, m.obsShape.Channels)
	for i, filters := range convFilters {
		convCtx := ctx.In(fmt.Sprintf("conv%d", i))
		x = layers.Convolution(convCtx, x).Filters(filters).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
		if i < len(convFilters)-1 {
			x = MaxPool(x).Window(2).Done()
		}
	}
	x = Reshape(x, batchSize, -1)
	x = layers.Dense(ctx.In("hidden"), x, true, hiddenDim)
	return activations.Relu(x)
}

// policyValueGraph returns the flat action logits [batch, flatDim] and
// the value estimates [batch].
func (m *Model) policyValueGraph(ctx *context.Context, obs *Node) (logits, values *Node) {
	hidden := m.trunkGraph(ctx, obs)
	logits = layers.Dense(ctx.In("actor"), hidden, true, m.space.FlatDim())
	values = Reshape(layers.Dense(ctx.In("critic"), hidden, true, 1), -1)
	return
}

// policyDist is the factored multi-discrete distribution over the
// masked logits: one independent categorical per action component, with
// masked-out values forced to illegalLogit.
type policyDist struct {
	space *spaces.MultiDiscrete

	// Per component, [batch, nvec[c]].
	logits []*Node
	masks  []*Node
}

func newPolicyDist(space *spaces.MultiDiscrete, logits, masks *Node) *policyDist {
	d := &policyDist{
		space:  space,
		logits: make([]*Node, space.NumComponents()),
		masks:  make([]*Node, space.NumComponents()),
	}
	for c := 0; c < space.NumComponents(); c++ {
		lo := space.Offset(c)
		hi := lo + space.Nvec[c]
		compLogits := Slice(logits, AxisRange(), AxisRange(lo, hi))
		compMask := Slice(masks, AxisRange(), AxisRange(lo, hi))
		d.logits[c] = Where(compMask, compLogits, MulScalar(OnesLike(compLogits), illegalLogit))
		d.masks[c] = compMask
	}
	return d
}

// sample draws one value per component with the Gumbel-max trick and
// returns the actions [batch, numComponents] along with the summed
// log-probability [batch] of the draw. Sampling through ArgMax keeps
// the reported log-probabilities identical to what a later evaluation
// of the same actions computes.
func (d *policyDist) sample(ctx *context.Context) (actions, logProbs *Node) {
	g := d.logits[0].Graph()
	parts := make([]*Node, len(d.logits))
	for c, compLogits := range d.logits {
		u := ctx.RandomUniform(g, compLogits.Shape())
		// Keep u strictly inside (0, 1) so the double log is finite.
		u = AddScalar(MulScalar(u, 1-2e-7), 1e-7)
		gumbel := Neg(Log(Neg(Log(u))))
		choice := ArgMax(Add(compLogits, gumbel), -1, dtypes.Int32)
		parts[c] = choice
		logProbs = accumulate(logProbs, d.componentLogProb(c, choice))
	}
	actions = Stack(parts, 1)
	return
}

// logProbOf returns the summed log-probability [batch] of the given
// actions [batch, numComponents] under the distribution.
func (d *policyDist) logProbOf(actions *Node) *Node {
	var logProbs *Node
	for c := range d.logits {
		choice := Reshape(Slice(actions, AxisRange(), AxisRange(c, c+1)), -1)
		logProbs = accumulate(logProbs, d.componentLogProb(c, choice))
	}
	return logProbs
}

func (d *policyDist) componentLogProb(c int, choice *Node) *Node {
	logP := LogSoftmax(d.logits[c], -1)
	oneHot := OneHot(choice, d.space.Nvec[c], dtypes.Float32)
	return ReduceSum(Mul(logP, oneHot), -1)
}

// entropy returns the summed per-component entropy [batch]. Illegal
// entries are zeroed explicitly so their sentinel logits contribute
// neither value nor gradient.
func (d *policyDist) entropy() *Node {
	var total *Node
	for c, compLogits := range d.logits {
		logP := LogSoftmax(compLogits, -1)
		p := Softmax(compLogits, -1)
		pLogP := Where(d.masks[c], Mul(p, logP), ZerosLike(p))
		total = accumulate(total, Neg(ReduceSum(pLogP, -1)))
	}
	return total
}

// flatLogProbs concatenates the per-component log-probabilities back
// into [batch, flatDim], aligned with the flat mask layout.
func (d *policyDist) flatLogProbs() *Node {
	parts := make([]*Node, len(d.logits))
	for c, compLogits := range d.logits {
		parts[c] = LogSoftmax(compLogits, -1)
	}
	return Concatenate(parts, -1)
}

// flatProbs concatenates the per-component probabilities into
// [batch, flatDim].
func (d *policyDist) flatProbs() *Node {
	parts := make([]*Node, len(d.logits))
	for c, compLogits := range d.logits {
		parts[c] = Softmax(compLogits, -1)
	}
	return Concatenate(parts, -1)
}

func accumulate(sum, term *Node) *Node {
	if sum == nil {
		return term
	}
	return Add(sum, term)
}
