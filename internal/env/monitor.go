package env

// Monitor wraps a VecEnv and accounts episodic returns and lengths,
// attaching an EpisodeStat to the Batch of every step on which an
// environment terminates. Rewards are accumulated pre-discount, the way
// episode rewards are usually charted.
type Monitor struct {
	VecEnv

	returns []float32
	lengths []int
}

// NewMonitor wraps e with episode accounting.
func NewMonitor(e VecEnv) *Monitor {
	return &Monitor{
		VecEnv:  e,
		returns: make([]float32, e.NumEnvs()),
		lengths: make([]int, e.NumEnvs()),
	}
}

// Reset resets the wrapped env and zeroes all accounting.
func (m *Monitor) Reset() (*Batch, error) {
	batch, err := m.VecEnv.Reset()
	if err != nil {
		return nil, err
	}
	for i := range m.returns {
		m.returns[i] = 0
		m.lengths[i] = 0
	}
	return batch, nil
}

// Step steps the wrapped env and emits EpisodeStats for terminated
// environments.
func (m *Monitor) Step(actions [][]int32) (*Batch, error) {
	batch, err := m.VecEnv.Step(actions)
	if err != nil {
		return nil, err
	}
	for i, done := range batch.Dones {
		m.returns[i] += batch.Rewards[i]
		m.lengths[i]++
		if done {
			batch.Stats = append(batch.Stats, EpisodeStat{
				EnvIndex: i,
				Return:   m.returns[i],
				Length:   m.lengths[i],
			})
			m.returns[i] = 0
			m.lengths[i] = 0
		}
	}
	return batch, nil
}
