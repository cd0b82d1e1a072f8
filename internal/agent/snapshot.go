package agent

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Snapshot is an immutable copy of every variable of an agent's model,
// tagged with the policy version it was taken at. Snapshots cross
// goroutine boundaries between learner and actors, and seed the frozen
// reference policy of the divergence bonus.
type Snapshot struct {
	Version int

	entries []snapshotEntry
}

type snapshotEntry struct {
	scope, name string
	value       *tensors.Tensor
}

// NumVariables returns how many variables the snapshot holds.
func (s *Snapshot) NumVariables() int { return len(s.entries) }

// ExportWeights copies all variables, including optimizer state, into a
// snapshot tagged with the given version.
func (a *Agent) ExportWeights(version int) *Snapshot {
	a.muLearning.RLock()
	defer a.muLearning.RUnlock()
	s := &Snapshot{Version: version}
	a.model.ctx.EnumerateVariables(func(v *context.Variable) {
		s.entries = append(s.entries, snapshotEntry{
			scope: v.Scope(),
			name:  v.Name(),
			value: v.Value().LocalClone(),
		})
	})
	return s
}

// ImportWeights overwrites the agent's variables with the snapshot's.
// The snapshot must come from an agent built over the same shapes.
func (a *Agent) ImportWeights(s *Snapshot) error {
	a.muLearning.Lock()
	defer a.muLearning.Unlock()
	ctx := a.model.ctx
	for _, entry := range s.entries {
		v := ctx.GetVariableByScopeAndName(entry.scope, entry.name)
		if v == nil {
			return errors.Errorf("snapshot variable %s::%s does not exist in the receiving model",
				entry.scope, entry.name)
		}
		v.SetValue(entry.value.LocalClone())
	}
	return nil
}

// Clone returns an independent agent carrying a copy of the current
// weights and hyperparameters, with no checkpoint attached.
func (a *Agent) Clone() (*Agent, error) {
	params := make(map[string]any)
	a.model.ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			params[key] = value
		}
	})
	clone, err := New(Config{
		ObsShape:          a.model.obsShape,
		Space:             a.space,
		CheckpointsToKeep: a.checkpointsToKeep,
		Params:            params,
	})
	if err != nil {
		return nil, err
	}
	if err := clone.ImportWeights(a.ExportWeights(0)); err != nil {
		return nil, err
	}
	return clone, nil
}
