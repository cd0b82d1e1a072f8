// Package config defines the immutable training configuration. Every
// recognized option is enumerated and defaulted here, and validated
// once at startup before any environment or backend resource is
// allocated.
package config

import (
	"flag"

	"github.com/pkg/errors"
)

// Config holds every training hyperparameter and runtime option. It is
// populated from flags (or literals in tests), validated once, and
// never mutated afterwards.
type Config struct {
	// Environment.
	EnvID      string
	ServerAddr string
	NumEnvs    int
	FrameStack int // observations stacked along the channel axis; 1 disables

	// Schedule.
	TotalTimesteps int
	NumSteps       int // rollout horizon per environment
	PPOEpochs      int
	BatchSize      int // minibatch size per gradient step

	// PPO objective.
	LearningRate float64
	AnnealLR     bool
	Gamma        float64
	GAELambda    float64
	ClipCoef     float64
	ClipVLoss    bool
	EntCoef      float64
	VfCoef       float64
	MaxGradNorm  float64
	TargetKL     float64
	KLRollback   bool

	// Diversity bonus against a frozen per-cycle reference policy.
	DiversityCoef float64

	// Early stop once the recent episode returns flatten out.
	// PlateauWindow 0 disables.
	PlateauWindow    int
	PlateauThreshold float64

	// Actor/learner split. NumActors 0 selects the sequential
	// single-learner loop.
	NumActors      int
	QueueCapacity  int
	BroadcastEvery int

	// Checkpointing.
	CheckpointDir     string
	CheckpointEvery   int
	CheckpointsToKeep int

	Seed int64
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		EnvID:             "microrts-v2",
		ServerAddr:        "localhost:9898",
		NumEnvs:           24,
		FrameStack:        1,
		TotalTimesteps:    100_000_000,
		NumSteps:          512,
		PPOEpochs:         4,
		BatchSize:         3072,
		LearningRate:      2.5e-4,
		AnnealLR:          true,
		Gamma:             0.99,
		GAELambda:         0.95,
		ClipCoef:          0.1,
		ClipVLoss:         true,
		EntCoef:           0.01,
		VfCoef:            0.5,
		MaxGradNorm:       0.5,
		TargetKL:          0.03,
		PlateauThreshold:  0.02,
		QueueCapacity:     2,
		BroadcastEvery:    1,
		CheckpointEvery:   50,
		CheckpointsToKeep: 10,
		Seed:              1,
	}
}

// RegisterFlags binds every option onto the given flag set, with the
// receiver's current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.EnvID, "env-id", c.EnvID, "Environment id requested from the MicroRTS server.")
	fs.StringVar(&c.ServerAddr, "server-addr", c.ServerAddr, "host:port of the MicroRTS environment server.")
	fs.IntVar(&c.NumEnvs, "num-envs", c.NumEnvs, "Number of parallel environments.")
	fs.IntVar(&c.FrameStack, "frame-stack", c.FrameStack, "Stack the last N observations along the channel axis; 1 disables.")
	fs.IntVar(&c.TotalTimesteps, "total-timesteps", c.TotalTimesteps, "Total environment steps to train for.")
	fs.IntVar(&c.NumSteps, "num-steps", c.NumSteps, "Rollout horizon per environment per cycle.")
	fs.IntVar(&c.PPOEpochs, "ppo-epochs", c.PPOEpochs, "Optimization epochs per rollout.")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "Minibatch size per gradient step; must divide num-envs*num-steps.")
	fs.Float64Var(&c.LearningRate, "learning-rate", c.LearningRate, "Adam learning rate.")
	fs.BoolVar(&c.AnnealLR, "anneal-lr", c.AnnealLR, "Linearly decay the learning rate to zero over the run.")
	fs.Float64Var(&c.Gamma, "gamma", c.Gamma, "Discount factor.")
	fs.Float64Var(&c.GAELambda, "gae-lambda", c.GAELambda, "GAE bias/variance trade-off lambda.")
	fs.Float64Var(&c.ClipCoef, "clip-coef", c.ClipCoef, "PPO surrogate clipping epsilon.")
	fs.BoolVar(&c.ClipVLoss, "clip-vloss", c.ClipVLoss, "Clip the value loss around the collection-time estimates.")
	fs.Float64Var(&c.EntCoef, "ent-coef", c.EntCoef, "Entropy bonus coefficient.")
	fs.Float64Var(&c.VfCoef, "vf-coef", c.VfCoef, "Value loss coefficient.")
	fs.Float64Var(&c.MaxGradNorm, "max-grad-norm", c.MaxGradNorm, "Gradient norm clipping threshold.")
	fs.Float64Var(&c.TargetKL, "target-kl", c.TargetKL, "Approximate KL threshold for early epoch stop; 0 disables.")
	fs.BoolVar(&c.KLRollback, "kl-rollback", c.KLRollback, "Discard the whole update when target-kl is exceeded.")
	fs.Float64Var(&c.DiversityCoef, "diversity-coef", c.DiversityCoef, "Weight of the divergence bonus against the frozen reference policy; 0 disables.")
	fs.IntVar(&c.PlateauWindow, "plateau-window", c.PlateauWindow, "Stop early once this many recent episode returns have flattened out; 0 disables.")
	fs.Float64Var(&c.PlateauThreshold, "plateau-threshold", c.PlateauThreshold, "Coefficient of variation below which the return window counts as flat.")
	fs.IntVar(&c.NumActors, "num-actors", c.NumActors, "Number of concurrent actors; 0 runs the sequential loop.")
	fs.IntVar(&c.QueueCapacity, "queue-capacity", c.QueueCapacity, "Bounded buffer queue between actors and learner.")
	fs.IntVar(&c.BroadcastEvery, "broadcast-every", c.BroadcastEvery, "Publish fresh weights to actors every this many update cycles.")
	fs.StringVar(&c.CheckpointDir, "checkpoint-dir", c.CheckpointDir, "Directory to save and load model checkpoints; empty disables saving.")
	fs.IntVar(&c.CheckpointEvery, "checkpoint-every", c.CheckpointEvery, "Save a checkpoint every this many update cycles.")
	fs.IntVar(&c.CheckpointsToKeep, "checkpoints-to-keep", c.CheckpointsToKeep, "Number of older checkpoint copies to keep.")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Seed for minibatch shuffling and model initialization.")
}

// BufferSize returns the number of transitions collected per cycle.
func (c Config) BufferSize() int { return c.NumEnvs * c.NumSteps }

// NumUpdates returns how many collect/optimize cycles the configured
// total timestep budget yields.
func (c Config) NumUpdates() int { return c.TotalTimesteps / c.BufferSize() }

// Impala reports whether the actor/learner split is selected.
func (c Config) Impala() bool { return c.NumActors > 0 }

// Validate rejects unusable combinations before anything is allocated.
func (c Config) Validate() error {
	if c.NumEnvs <= 0 {
		return errors.Errorf("num-envs must be positive, got %d", c.NumEnvs)
	}
	if c.FrameStack < 1 {
		return errors.Errorf("frame-stack must be at least 1, got %d", c.FrameStack)
	}
	if c.NumSteps <= 0 {
		return errors.Errorf("num-steps must be positive, got %d", c.NumSteps)
	}
	if c.PPOEpochs <= 0 {
		return errors.Errorf("ppo-epochs must be positive, got %d", c.PPOEpochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch-size must be positive, got %d", c.BatchSize)
	}
	if c.BufferSize()%c.BatchSize != 0 {
		return errors.Errorf("batch-size %d does not divide the rollout size %d (num-envs %d * num-steps %d)",
			c.BatchSize, c.BufferSize(), c.NumEnvs, c.NumSteps)
	}
	if c.TotalTimesteps < c.BufferSize() {
		return errors.Errorf("total-timesteps %d is smaller than a single rollout of %d steps",
			c.TotalTimesteps, c.BufferSize())
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning-rate must be positive, got %g", c.LearningRate)
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return errors.Errorf("gamma must be in [0, 1], got %g", c.Gamma)
	}
	if c.GAELambda < 0 || c.GAELambda > 1 {
		return errors.Errorf("gae-lambda must be in [0, 1], got %g", c.GAELambda)
	}
	if c.ClipCoef <= 0 {
		return errors.Errorf("clip-coef must be positive, got %g", c.ClipCoef)
	}
	if c.DiversityCoef < 0 {
		return errors.Errorf("diversity-coef must not be negative, got %g", c.DiversityCoef)
	}
	if c.PlateauWindow > 0 && c.PlateauThreshold <= 0 {
		return errors.Errorf("plateau-threshold must be positive with plateau-window set, got %g", c.PlateauThreshold)
	}
	if c.KLRollback && c.TargetKL <= 0 {
		return errors.New("kl-rollback requires a positive target-kl")
	}
	if c.Impala() {
		if c.QueueCapacity <= 0 {
			return errors.Errorf("queue-capacity must be positive with actors enabled, got %d", c.QueueCapacity)
		}
		if c.BroadcastEvery <= 0 {
			return errors.Errorf("broadcast-every must be positive with actors enabled, got %d", c.BroadcastEvery)
		}
	}
	if c.CheckpointDir != "" && c.CheckpointEvery <= 0 {
		return errors.Errorf("checkpoint-every must be positive when checkpointing, got %d", c.CheckpointEvery)
	}
	return nil
}
