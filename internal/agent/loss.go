package agent

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// ParamMaxGradNorm is the context parameter holding the global
// gradient-norm clipping threshold applied before the optimizer step.
// Zero or negative disables clipping.
const ParamMaxGradNorm = "max_grad_norm"

// clipLossByGlobalGradNorm rescales the loss so that the gradients the
// optimizer will derive from it have global L2 norm at most maxNorm.
// Gradients are linear in a constant loss factor, so multiplying the
// loss by stopGradient(maxNorm / max(norm, maxNorm)) scales every
// per-variable gradient by exactly the clipping factor.
func clipLossByGlobalGradNorm(ctx *context.Context, g *Graph, loss *Node, maxNorm float64) *Node {
	var params []*Node
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			params = append(params, v.ValueGraph(g))
		}
	})
	grads := Gradient(loss, params...)
	sumSquares := ScalarZero(g, dtypes.Float32)
	for _, grad := range grads {
		sumSquares = Add(sumSquares, ReduceAllSum(Square(ConvertDType(grad, dtypes.Float32))))
	}
	norm := Sqrt(sumSquares)
	limit := Scalar(g, dtypes.Float32, maxNorm)
	factor := Div(limit, Max(norm, limit))
	return Mul(loss, StopGradient(factor))
}

// trainStepGraph builds the clipped surrogate objective over one
// minibatch. Inputs arrive in the order TrainStep feeds them:
// obs, masks, actions, oldLogProbs, advantages, returns, oldValues,
// refProbs.
//
// It returns the total loss (what the optimizer minimizes) plus the
// metric nodes reported back: loss, policy loss, value loss, entropy,
// approximate KL, clip fraction and reference divergence.
func (a *Agent) trainStepGraph(ctx *context.Context, inputs []*Node) (loss *Node, metrics []*Node) {
	obs, masks, actions := inputs[0], inputs[1], inputs[2]
	oldLogProbs, advantages, returns, oldValues := inputs[3], inputs[4], inputs[5], inputs[6]
	refProbs := inputs[7]
	g := obs.Graph()

	clipCoef := context.GetParamOr(ctx, "clip_coef", 0.1)
	vfCoef := context.GetParamOr(ctx, "vf_coef", 0.5)
	entCoef := context.GetParamOr(ctx, "ent_coef", 0.01)
	clipVLoss := context.GetParamOr(ctx, "clip_vloss", true)
	divCoef := context.GetParamOr(ctx, "diversity_coef", 0.0)

	logits, values := a.model.policyValueGraph(ctx, obs)
	dist := newPolicyDist(a.space, logits, masks)
	newLogProbs := dist.logProbOf(actions)
	entropy := ReduceAllMean(dist.entropy())

	logRatio := Sub(newLogProbs, oldLogProbs)
	ratio := Exp(logRatio)
	approxKL := ReduceAllMean(Neg(logRatio))
	clipped := GreaterThan(Abs(AddScalar(ratio, -1)), Scalar(g, dtypes.Float32, clipCoef))
	clipFrac := ReduceAllMean(ConvertDType(clipped, dtypes.Float32))

	// Pessimistic surrogate: the max of the unclipped and clipped
	// negated objectives.
	pgLoss1 := Neg(Mul(advantages, ratio))
	pgLoss2 := Neg(Mul(advantages, ClipScalar(ratio, 1-clipCoef, 1+clipCoef)))
	pgLoss := ReduceAllMean(Max(pgLoss1, pgLoss2))

	var vLoss *Node
	if clipVLoss {
		// Clip the value prediction to move at most clipCoef away from
		// the estimate the data was collected under.
		vLossUnclipped := Square(Sub(values, returns))
		vPredClipped := Add(oldValues, ClipScalar(Sub(values, oldValues), -clipCoef, clipCoef))
		vLossClipped := Square(Sub(vPredClipped, returns))
		vLoss = MulScalar(ReduceAllMean(Max(vLossUnclipped, vLossClipped)), 0.5)
	} else {
		vLoss = MulScalar(ReduceAllMean(Square(Sub(values, returns))), 0.5)
	}

	// KL(reference || current), rewarded to push the policy away from
	// the frozen per-cycle snapshot. Entries where the reference assigns
	// zero probability (including masked-out actions) contribute nothing.
	divKL := ScalarZero(g, dtypes.Float32)
	if divCoef > 0 {
		curLogProbs := dist.flatLogProbs()
		safeRef := Max(refProbs, Scalar(g, dtypes.Float32, 1e-12))
		perEntry := Where(GreaterThan(refProbs, ZerosLike(refProbs)),
			Mul(refProbs, Sub(Log(safeRef), curLogProbs)),
			ZerosLike(refProbs))
		divKL = ReduceAllMean(ReduceSum(perEntry, -1))
	}

	loss = Sub(Add(pgLoss, MulScalar(vLoss, vfCoef)), MulScalar(entropy, entCoef))
	if divCoef > 0 {
		loss = Sub(loss, MulScalar(divKL, divCoef))
	}
	metrics = []*Node{loss, pgLoss, vLoss, entropy, approxKL, clipFrac, divKL}
	return
}
