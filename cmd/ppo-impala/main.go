// ppo-impala trains a MicroRTS agent with the actor/learner split:
// several actors collect rollouts concurrently with locally cached
// policy copies and feed them to a single learner through a bounded
// queue. The learner publishes versioned weight snapshots that actors
// swap in at collection boundaries, never mid-rollout.
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
	"github.com/microrts-go/trainer/internal/spaces"
	"github.com/microrts-go/trainer/internal/ui/progress"
)

var (
	cfg = config.Default()

	flagMapPath = flag.String("map", "maps/16x16/basesWorkers16x16.xml",
		"Map file, relative to the server's map directory.")
	flagMaxSteps = flag.Int("max-steps", 2000,
		"Episode length cap before the server forces a draw.")
	flagRewardWeights = flag.String("reward-weights", "10,1,1,0.2,1,4",
		"Comma-separated weights for the shaped reward components: win, resource, produce-worker, construct, harvest, attack.")
	flagSet = flag.String("set", "",
		"Extra model hyperparameter overrides as \"key=value,key=value\", e.g. \"adam_epsilon=1e-8\".")
)

func main() {
	klog.InitFlags(nil)
	cfg.NumActors = 4
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		klog.Exitf("Invalid configuration: %v", err)
	}
	if !cfg.Impala() {
		klog.Exit("num-actors must be at least 1 for the actor/learner split")
	}

	ctx, cancel := context.WithCancel(context.Background())
	progress.SafeInterrupt(cancel, 5*time.Second)
	defer cancel()
	profilers.Setup(ctx)
	defer profilers.OnQuit()

	overrides := must.M1(parameters.Parse(*flagSet))

	// The learner's canonical policy. Actors get independent clones.
	policy := must.M1(agent.New(agent.Config{
		ObsShape:          probeObsShape(),
		Space:             probeActionSpace(),
		CheckpointDir:     cfg.CheckpointDir,
		CheckpointsToKeep: cfg.CheckpointsToKeep,
		Params:            must.M1(overrides.Apply(hyperparameters())),
	}))
	defer policy.Finalize()
	klog.Infof("Policy: %s, %d actors, queue capacity %d", policy, cfg.NumActors, cfg.QueueCapacity)

	learner := must.M1(ppo.New(policy, nil, learnerConfig()))

	var plateau *coordinator.PlateauDetector
	if cfg.PlateauWindow > 0 {
		plateau = coordinator.NewPlateauDetector(cfg.PlateauWindow, float32(cfg.PlateauThreshold))
	}

	actors := make([]*coordinator.Actor, cfg.NumActors)
	for i := range actors {
		actors[i] = must.M1(buildActor(i+1, policy, plateau))
	}
	defer func() {
		for _, actor := range actors {
			_ = actor.Collector.Env.Close()
		}
	}()

	bar := progress.NewCycleBar(cfg.NumUpdates())
	coord := &coordinator.Coordinator{
		Actors:         actors,
		Learner:        learner,
		Policy:         policy,
		QueueCapacity:  cfg.QueueCapacity,
		BroadcastEvery: cfg.BroadcastEvery,
		OnCycle: func(r coordinator.CycleReport) {
			_ = bar.Add(1)
			fmt.Println(progress.FormatCycle(r))
			if cfg.CheckpointDir != "" && r.Stats.Update%cfg.CheckpointEvery == 0 {
				must.M(policy.Save())
			}
		},
	}
	if plateau != nil {
		coord.Stop = plateau.Plateaued
	}

	err := coord.Run(ctx, cfg.NumUpdates())
	if err != nil && ctx.Err() == nil {
		klog.Exitf("Training failed: %+v", err)
	}
	if cfg.CheckpointDir != "" {
		must.M(policy.Save())
	}
	progress.Reset()
}

// probeClient is the first server connection; it determines the
// observation shape and action space the model is built over, and is
// then reused as actor 1's pool.
var probeClient *microrts.Client

func probe() *microrts.Client {
	if probeClient == nil {
		probeClient = must.M1(microrts.Connect(clientConfig()))
	}
	return probeClient
}

func probeObsShape() env.ObsShape {
	// Boundary wrapper adds one channel on top of the raw observation;
	// frame stacking then multiplies the total.
	shape := probe().ObsShape()
	shape.Channels++
	if cfg.FrameStack > 1 {
		shape.Channels *= cfg.FrameStack
	}
	return shape
}

func probeActionSpace() *spaces.MultiDiscrete { return probe().ActionSpace() }

func clientConfig() microrts.Config {
	return microrts.Config{
		Address:       cfg.ServerAddr,
		EnvID:         cfg.EnvID,
		NumEnvs:       cfg.NumEnvs,
		MapPath:       *flagMapPath,
		MaxSteps:      *flagMaxSteps,
		RewardWeights: must.M1(microrts.ParseRewardWeights(*flagRewardWeights)),
	}
}

// buildActor gives each actor its private environment pool, rollout
// buffer and policy clone.
func buildActor(id int, policy *agent.Agent, plateau *coordinator.PlateauDetector) (*coordinator.Actor, error) {
	var client *microrts.Client
	if id == 1 {
		client = probe()
	} else {
		var err error
		client, err = microrts.Connect(clientConfig())
		if err != nil {
			return nil, err
		}
	}
	var pool env.VecEnv = env.NewBoundaryChannels(client)
	if cfg.FrameStack > 1 {
		var err error
		pool, err = env.NewFrameStack(pool, cfg.FrameStack)
		if err != nil {
			return nil, err
		}
	}
	pool = env.NewMonitor(pool)

	local, err := policy.Clone()
	if err != nil {
		return nil, err
	}
	buffer := rollout.NewBuffer(cfg.NumSteps, cfg.NumEnvs, pool.ObsShape().FlatDim(), pool.ActionSpace())
	collector := rollout.NewCollector(pool, local, buffer)
	collector.OnEpisodeEnd = func(stat env.EpisodeStat) {
		if plateau != nil {
			plateau.Record(stat.Return)
		}
		klog.V(1).Infof("actor %d: %s", id, progress.FormatEpisode(stat.EnvIndex, stat.Return, stat.Length))
	}
	return &coordinator.Actor{ID: id, Collector: collector, Policy: local}, nil
}

func hyperparameters() map[string]any {
	return map[string]any{
		optimizers.ParamLearningRate: cfg.LearningRate,
		agent.ParamMaxGradNorm:       cfg.MaxGradNorm,
		"clip_coef":                  cfg.ClipCoef,
		"ent_coef":                   cfg.EntCoef,
		"vf_coef":                    cfg.VfCoef,
		"clip_vloss":                 cfg.ClipVLoss,
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
		Seed:                cfg.Seed,
	}
}
