// ppo-maxcho trains a MicroRTS agent with the single-learner PPO loop:
// collect a rollout, optimize over it, repeat. The optional diversity
// bonus (--diversity-coef) rewards divergence from a policy snapshot
// frozen at the start of each cycle, discouraging premature convergence
// to a single strategy.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/microrts-go/trainer/internal/agent"
	"github.com/microrts-go/trainer/internal/config"
	"github.com/microrts-go/trainer/internal/coordinator"
	"github.com/microrts-go/trainer/internal/env"
	"github.com/microrts-go/trainer/internal/env/microrts"
	"github.com/microrts-go/trainer/internal/parameters"
	"github.com/microrts-go/trainer/internal/ppo"
	"github.com/microrts-go/trainer/internal/profilers"
	"github.com/microrts-go/trainer/internal/rollout"
	"github.com/microrts-go/trainer/internal/ui/progress"
)

var (
	cfg = config.Default()

	flagMapPath = flag.String("map", "maps/16x16/basesWorkers16x16.xml",
		"Map file, relative to the server's map directory.")
	flagMaxSteps = flag.Int("max-steps", 2000,
		"Episode length cap before the server forces a draw.")
	flagUnitTable = flag.String("unit-table", "",
		"Path to the engine's unit-type table JSON; enables the attack-power observation planes.")
	flagRewardWeights = flag.String("reward-weights", "10,1,1,0.2,1,4",
		"Comma-separated weights for the shaped reward components: win, resource, produce-worker, construct, harvest, attack.")
	flagSet = flag.String("set", "",
		"Extra model hyperparameter overrides as \"key=value,key=value\", e.g. \"adam_epsilon=1e-8\".")
)

// The unit-type one-hot planes of the standard MicroRTS observation
// encoding: planes 13..20, in engine unit-type ID order.
const unitTypeChannelOffset = 13

var unitTypePlaneIDs = []int{0, 1, 2, 3, 4, 5, 6, 7}

func main() {
	klog.InitFlags(nil)
	cfg.FrameStack = 4
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		klog.Exitf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	progress.SafeInterrupt(cancel, 5*time.Second)
	defer cancel()
	profilers.Setup(ctx)
	defer profilers.OnQuit()

	pool := must.M1(buildEnvPool())
	defer func() { _ = pool.Close() }()

	overrides := must.M1(parameters.Parse(*flagSet))
	policy := must.M1(agent.New(agent.Config{
		ObsShape:          pool.ObsShape(),
		Space:             pool.ActionSpace(),
		CheckpointDir:     cfg.CheckpointDir,
		CheckpointsToKeep: cfg.CheckpointsToKeep,
		Params:            must.M1(overrides.Apply(hyperparameters())),
	}))
	defer policy.Finalize()
	klog.Infof("Policy: %s", policy)

	var reference ppo.Trainer
	if cfg.DiversityCoef > 0 {
		ref := must.M1(policy.Clone())
		defer ref.Finalize()
		reference = ref
	}
	learner := must.M1(ppo.New(policy, reference, learnerConfig()))

	buffer := rollout.NewBuffer(cfg.NumSteps, cfg.NumEnvs, pool.ObsShape().FlatDim(), pool.ActionSpace())
	var plateau *coordinator.PlateauDetector
	if cfg.PlateauWindow > 0 {
		plateau = coordinator.NewPlateauDetector(cfg.PlateauWindow, float32(cfg.PlateauThreshold))
	}

	collector := rollout.NewCollector(pool, policy, buffer)
	collector.OnEpisodeEnd = func(stat env.EpisodeStat) {
		if plateau != nil {
			plateau.Record(stat.Return)
		}
		klog.V(1).Info(progress.FormatEpisode(stat.EnvIndex, stat.Return, stat.Length))
	}

	bar := progress.NewCycleBar(cfg.NumUpdates())
	seq := &coordinator.Sequential{
		Collector: collector,
		Learner:   learner,
		OnCycle: func(r coordinator.CycleReport) {
			_ = bar.Add(1)
			fmt.Println(progress.FormatCycle(r))
			if cfg.CheckpointDir != "" && r.Stats.Update%cfg.CheckpointEvery == 0 {
				must.M(policy.Save())
			}
		},
	}
	if plateau != nil {
		seq.Stop = plateau.Plateaued
	}

	err := seq.Run(ctx, cfg.NumUpdates())
	if err != nil && ctx.Err() == nil {
		klog.Exitf("Training failed: %+v", err)
	}
	if cfg.CheckpointDir != "" {
		must.M(policy.Save())
	}
	progress.Reset()
}

// buildEnvPool connects to the MicroRTS server and stacks the
// observation wrappers: attack-power planes (optional), boundary
// indicator, frame stacking, and episode accounting outermost.
func buildEnvPool() (env.VecEnv, error) {
	weights, err := microrts.ParseRewardWeights(*flagRewardWeights)
	if err != nil {
		return nil, err
	}
	client, err := microrts.Connect(microrts.Config{
		Address:       cfg.ServerAddr,
		EnvID:         cfg.EnvID,
		NumEnvs:       cfg.NumEnvs,
		MapPath:       *flagMapPath,
		MaxSteps:      *flagMaxSteps,
		RewardWeights: weights,
	})
	if err != nil {
		return nil, err
	}
	var pool env.VecEnv = client
	if *flagUnitTable != "" {
		table, err := microrts.LoadUnitTable(*flagUnitTable)
		if err != nil {
			return nil, err
		}
		pool, err = microrts.NewAttackPowerChannels(pool, microrts.AttackPowerConfig{
			Table:             table,
			TypeChannelOffset: unitTypeChannelOffset,
			TypePlaneIDs:      unitTypePlaneIDs,
		})
		if err != nil {
			return nil, err
		}
	}
	pool = env.NewBoundaryChannels(pool)
	if cfg.FrameStack > 1 {
		pool, err = env.NewFrameStack(pool, cfg.FrameStack)
		if err != nil {
			return nil, err
		}
	}
	return env.NewMonitor(pool), nil
}

func hyperparameters() map[string]any {
	return map[string]any{
		optimizers.ParamLearningRate: cfg.LearningRate,
		agent.ParamMaxGradNorm:       cfg.MaxGradNorm,
		"clip_coef":                  cfg.ClipCoef,
		"ent_coef":                   cfg.EntCoef,
		"vf_coef":                    cfg.VfCoef,
		"clip_vloss":                 cfg.ClipVLoss,
		"diversity_coef":             cfg.DiversityCoef,
	}
}

func learnerConfig() ppo.Config {
	return ppo.Config{
		Epochs:              cfg.PPOEpochs,
		MinibatchSize:       cfg.BatchSize,
		Gamma:               float32(cfg.Gamma),
		Lambda:              float32(cfg.GAELambda),
		NormalizeAdvantages: true,
		TargetKL:            float32(cfg.TargetKL),
		KLRollback:          cfg.KLRollback,
		AnnealLR:            cfg.AnnealLR,
		InitialLR:           float32(cfg.LearningRate),
		TotalUpdates:        cfg.NumUpdates(),
		DiversityEnabled:    cfg.DiversityCoef > 0,
		Seed:                cfg.Seed,
	}
}
