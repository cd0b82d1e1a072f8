// Package agent implements the actor-critic policy on GoMLX: sampling
// masked actions for rollouts, and the clipped-surrogate training step
// over minibatches of collected transitions.
package agent

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/microrts-go/trainer/internal/env"
	"github.com/microrts-go/trainer/internal/generics"
	"github.com/microrts-go/trainer/internal/rollout"
	"github.com/microrts-go/trainer/internal/spaces"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// Backend is a singleton, shared by every agent in the process.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewExec synchronizes executor creation against the backend.
	muNewExec sync.Mutex
)

// BackendName returns the name of the accelerator backend in use.
func BackendName() string { return backend().Name() }

// Backend returns the process-wide accelerator backend, creating it on
// first use.
func Backend() backends.Backend { return backend() }

// Config for creating an Agent.
type Config struct {
	ObsShape env.ObsShape
	Space    *spaces.MultiDiscrete

	// CheckpointDir, if set, is where weights are saved and loaded from.
	CheckpointDir string

	// CheckpointsToKeep is how many older checkpoint copies to keep
	// around. Defaults to 10.
	CheckpointsToKeep int

	// Params overrides model hyperparameters, e.g. "clip_coef" or
	// optimizers.ParamLearningRate. See NewModel for the defaults.
	Params map[string]any
}

// Agent wraps the model with compiled executors for the four
// computations training needs: sampling, value estimation, policy
// evaluation and the optimization step.
//
// It implements rollout.ActionSource.
type Agent struct {
	model *Model
	space *spaces.MultiDiscrete

	obsDim  int
	flatDim int

	actExec, valueExec, evalExec, probsExec, trainStepExec *context.Exec

	checkpoint        *checkpoints.Handler
	checkpointsToKeep int

	// muLearning: "write" for learning and weight imports, "read" for
	// scoring.
	muLearning sync.RWMutex

	optimizer optimizers.Interface

	// NumCompilations of computation graphs.
	NumCompilations int

	// muSave makes saving sequential.
	muSave sync.Mutex
}

var _ rollout.ActionSource = (*Agent)(nil)

// New creates an agent, loading weights from cfg.CheckpointDir when a
// checkpoint exists there and initializing them randomly otherwise.
func New(cfg Config) (*Agent, error) {
	model := NewModel(cfg.ObsShape, cfg.Space)
	for key, value := range generics.SortedKeysAndValues(cfg.Params) {
		model.ctx.SetParam(key, value)
		klog.V(1).Infof("model parameter %s=%v", key, value)
	}
	a := &Agent{
		model:             model,
		space:             cfg.Space,
		obsDim:            cfg.ObsShape.FlatDim(),
		flatDim:           cfg.Space.FlatDim(),
		checkpointsToKeep: cfg.CheckpointsToKeep,
	}
	if a.checkpointsToKeep == 0 {
		a.checkpointsToKeep = 10
	}
	if err := a.attachCheckpoint(cfg.CheckpointDir); err != nil {
		return nil, err
	}
	_ = backend()
	a.optimizer = optimizers.FromContext(model.ctx)
	if err := a.createExecutors(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) attachCheckpoint(dir string) error {
	if dir == "" {
		return nil
	}
	checkpoint, err := checkpoints.Build(a.model.ctx).
		Dir(dir).
		Keep(a.checkpointsToKeep).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to build checkpoint in path %s", dir)
	}
	a.checkpoint = checkpoint
	return nil
}

func (a *Agent) createExecutors() error {
	muNewExec.Lock()
	ctx := a.model.ctx.Checked(false)
	a.actExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			a.NumCompilations++
			obs, masks := inputs[0], inputs[1]
			logits, values := a.model.policyValueGraph(ctx, obs)
			dist := newPolicyDist(a.space, logits, masks)
			actions, logProbs := dist.sample(ctx)
			return []*graph.Node{actions, logProbs, values}
		})
	a.valueExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, obs *graph.Node) *graph.Node {
			a.NumCompilations++
			_, values := a.model.policyValueGraph(ctx, obs)
			return values
		})
	a.evalExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			a.NumCompilations++
			obs, masks, actions := inputs[0], inputs[1], inputs[2]
			logits, _ := a.model.policyValueGraph(ctx, obs)
			dist := newPolicyDist(a.space, logits, masks)
			return []*graph.Node{dist.logProbOf(actions), dist.entropy()}
		})
	a.probsExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			a.NumCompilations++
			obs, masks := inputs[0], inputs[1]
			logits, _ := a.model.policyValueGraph(ctx, obs)
			dist := newPolicyDist(a.space, logits, masks)
			return dist.flatProbs()
		})
	a.trainStepExec = context.NewExec(backend(), a.model.ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			a.NumCompilations++
			g := inputs[0].Graph()
			ctx.SetTraining(g, true)
			loss, metrics := a.trainStepGraph(ctx, inputs)
			if maxNorm := context.GetParamOr(ctx, ParamMaxGradNorm, 0.0); maxNorm > 0 {
				loss = clipLossByGlobalGradNorm(ctx, g, loss, maxNorm)
			}
			a.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return metrics
		})
	a.trainStepExec.SetMaxCache(100)
	muNewExec.Unlock()

	// Force creation/loading of all variables without race conditions.
	obs := make([]float32, a.obsDim)
	_, _, _, err := a.Act(obs, []spaces.Mask{spaces.AllLegal(a.space)})
	return errors.WithMessage(err, "warm-up inference failed")
}

// Act implements rollout.ActionSource: it samples one action per
// environment, returning the actions with their summed
// log-probabilities and the critic's value estimates.
func (a *Agent) Act(obs []float32, masks []spaces.Mask) ([][]int32, []float32, []float32, error) {
	batchSize := len(masks)
	obsT, err := a.obsTensor(obs, batchSize)
	if err != nil {
		return nil, nil, nil, err
	}
	masksT := a.masksTensor(masks)

	a.muLearning.RLock()
	defer a.muLearning.RUnlock()
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs = a.actExec.Call(
			graph.DonateTensorBuffer(obsT, backend()),
			graph.DonateTensorBuffer(masksT, backend()))
	})
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "action sampling graph failed")
	}

	flatActions := tensors.CopyFlatData[int32](outputs[0])
	actions := make([][]int32, batchSize)
	nc := a.space.NumComponents()
	for e := range actions {
		actions[e] = flatActions[e*nc : (e+1)*nc]
	}
	return actions, tensors.CopyFlatData[float32](outputs[1]), tensors.CopyFlatData[float32](outputs[2]), nil
}

// Value implements rollout.ActionSource, returning only the value
// estimates for a batch of observations.
func (a *Agent) Value(obs []float32) ([]float32, error) {
	batchSize := len(obs) / a.obsDim
	obsT, err := a.obsTensor(obs, batchSize)
	if err != nil {
		return nil, err
	}
	a.muLearning.RLock()
	defer a.muLearning.RUnlock()
	var valuesT *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		valuesT = a.valueExec.Call(graph.DonateTensorBuffer(obsT, backend()))[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "value graph failed")
	}
	return tensors.CopyFlatData[float32](valuesT), nil
}

// Evaluate recomputes log-probabilities and entropies for previously
// collected transitions under the current policy.
func (a *Agent) Evaluate(mb *rollout.Minibatch) (logProbs, entropy []float32, err error) {
	batchSize := len(mb.LogProbs)
	obsT, err := a.obsTensor(mb.Observations, batchSize)
	if err != nil {
		return nil, nil, err
	}
	masksT := a.flatMasksTensor(mb.Masks, batchSize)
	actionsT := a.actionsTensor(mb.Actions, batchSize)

	a.muLearning.RLock()
	defer a.muLearning.RUnlock()
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs = a.evalExec.Call(
			graph.DonateTensorBuffer(obsT, backend()),
			graph.DonateTensorBuffer(masksT, backend()),
			graph.DonateTensorBuffer(actionsT, backend()))
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "policy evaluation graph failed")
	}
	return tensors.CopyFlatData[float32](outputs[0]), tensors.CopyFlatData[float32](outputs[1]), nil
}

// Probs returns the flat per-component action probabilities
// [batch * flatDim] for the given observations and masks. Used to take
// the frozen reference distribution for the divergence bonus.
func (a *Agent) Probs(obs []float32, masks []bool, batchSize int) ([]float32, error) {
	obsT, err := a.obsTensor(obs, batchSize)
	if err != nil {
		return nil, err
	}
	masksT := a.flatMasksTensor(masks, batchSize)

	a.muLearning.RLock()
	defer a.muLearning.RUnlock()
	var probsT *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		probsT = a.probsExec.Call(
			graph.DonateTensorBuffer(obsT, backend()),
			graph.DonateTensorBuffer(masksT, backend()))[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "probability graph failed")
	}
	return tensors.CopyFlatData[float32](probsT), nil
}

// Metrics reports the losses and diagnostics of one training step.
type Metrics struct {
	Loss         float32
	PolicyLoss   float32
	ValueLoss    float32
	Entropy      float32
	ApproxKL     float32
	ClipFraction float32
	Divergence   float32
}

// TrainStep runs one optimization step over the minibatch. refProbs is
// the frozen reference distribution for the divergence bonus, flat
// [batch * flatDim]; pass nil when the bonus is disabled.
func (a *Agent) TrainStep(mb *rollout.Minibatch, refProbs []float32) (Metrics, error) {
	batchSize := len(mb.LogProbs)
	obsT, err := a.obsTensor(mb.Observations, batchSize)
	if err != nil {
		return Metrics{}, err
	}
	if refProbs == nil {
		refProbs = make([]float32, batchSize*a.flatDim)
	}
	inputs := []any{
		graph.DonateTensorBuffer(obsT, backend()),
		graph.DonateTensorBuffer(a.flatMasksTensor(mb.Masks, batchSize), backend()),
		graph.DonateTensorBuffer(a.actionsTensor(mb.Actions, batchSize), backend()),
		graph.DonateTensorBuffer(vectorTensor(mb.LogProbs), backend()),
		graph.DonateTensorBuffer(vectorTensor(mb.Advantages), backend()),
		graph.DonateTensorBuffer(vectorTensor(mb.Returns), backend()),
		graph.DonateTensorBuffer(vectorTensor(mb.Values), backend()),
		graph.DonateTensorBuffer(matrixTensor(refProbs, batchSize, a.flatDim), backend()),
	}

	a.muLearning.Lock()
	defer a.muLearning.Unlock()
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs = a.trainStepExec.Call(inputs...)
	})
	if err != nil {
		return Metrics{}, errors.WithMessage(err, "training step graph failed")
	}
	return Metrics{
		Loss:         tensors.ToScalar[float32](outputs[0]),
		PolicyLoss:   tensors.ToScalar[float32](outputs[1]),
		ValueLoss:    tensors.ToScalar[float32](outputs[2]),
		Entropy:      tensors.ToScalar[float32](outputs[3]),
		ApproxKL:     tensors.ToScalar[float32](outputs[4]),
		ClipFraction: tensors.ToScalar[float32](outputs[5]),
		Divergence:   tensors.ToScalar[float32](outputs[6]),
	}, nil
}

// SetLearningRate overrides the optimizer's learning rate, used by the
// linear annealing schedule.
func (a *Agent) SetLearningRate(lr float32) {
	a.muLearning.Lock()
	defer a.muLearning.Unlock()
	ctx := a.model.ctx
	ctx.SetParam(optimizers.ParamLearningRate, float64(lr))
	lrVar := optimizers.LearningRateVar(ctx, dtypes.Float32, float64(lr))
	lrVar.SetValue(tensors.FromScalar(lr))
}

// ClearOptimizer drops the optimizer's moment estimates and the global
// step counter.
func (a *Agent) ClearOptimizer() {
	a.muLearning.Lock()
	defer a.muLearning.Unlock()
	ctx := a.model.ctx
	optimizers.DeleteGlobalStep(ctx)
	a.optimizer.Clear(ctx)
}

// Save writes the current weights to the checkpoint directory.
func (a *Agent) Save() error {
	if a.checkpoint == nil {
		klog.Warning("agent has no checkpoint directory associated, not saving")
		return nil
	}
	a.muSave.Lock()
	defer a.muSave.Unlock()
	return a.checkpoint.Save()
}

// String implements fmt.Stringer.
func (a *Agent) String() string {
	if a == nil {
		return "<nil>[GoMLX]"
	}
	name := fmt.Sprintf("ppo[GoMLX/%s]", backend().Name())
	if a.checkpoint == nil || a.checkpoint.Dir() == "" {
		return name
	}
	return fmt.Sprintf("%s@%s", name, a.checkpoint.Dir())
}

// Finalize frees backend resources, leaving the agent unusable.
func (a *Agent) Finalize() {
	a.actExec.Finalize()
	a.valueExec.Finalize()
	a.evalExec.Finalize()
	a.probsExec.Finalize()
	a.trainStepExec.Finalize()
	a.model.ctx.Finalize()
}

func (a *Agent) obsTensor(obs []float32, batchSize int) (*tensors.Tensor, error) {
	if len(obs) != batchSize*a.obsDim {
		return nil, errors.Errorf("got %d observation values for batch of %d (want %d)",
			len(obs), batchSize, batchSize*a.obsDim)
	}
	return matrixTensor(obs, batchSize, a.obsDim), nil
}

func (a *Agent) masksTensor(masks []spaces.Mask) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Bool, len(masks), a.flatDim))
	tensors.MutableFlatData(t, func(flat []bool) {
		for e, mask := range masks {
			copy(flat[e*a.flatDim:], mask)
		}
	})
	return t
}

func (a *Agent) flatMasksTensor(masks []bool, batchSize int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Bool, batchSize, a.flatDim))
	tensors.MutableFlatData(t, func(flat []bool) {
		copy(flat, masks)
	})
	return t
}

func (a *Agent) actionsTensor(actions []int32, batchSize int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Int32, batchSize, a.space.NumComponents()))
	tensors.MutableFlatData(t, func(flat []int32) {
		copy(flat, actions)
	})
	return t
}

func vectorTensor(values []float32) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(values)))
	tensors.MutableFlatData(t, func(flat []float32) {
		copy(flat, values)
	})
	return t
}

func matrixTensor(values []float32, rows, cols int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, rows, cols))
	tensors.MutableFlatData(t, func(flat []float32) {
		copy(flat, values)
	})
	return t
}
