package env

import (
	"github.com/pkg/errors"
)

// FrameStack wraps a VecEnv and presents each observation as the last n
// frames concatenated along the channel axis, oldest first. Gives a
// feed-forward policy a short memory of unit movement without recurrent
// layers.
//
// On Reset, and after an environment auto-resets, the missing history
// is zero-filled: only the new episode's frames are ever visible.
type FrameStack struct {
	VecEnv

	n     int
	inner ObsShape
	shape ObsShape

	// frames[f] holds the f-th oldest observation batch, each a full
	// [numEnvs * inner.FlatDim()] slice. Rotated in place per step.
	frames [][]float32
}

// NewFrameStack wraps e so observations carry the last n frames.
func NewFrameStack(e VecEnv, n int) (*FrameStack, error) {
	if n < 2 {
		return nil, errors.Errorf("frame stacking needs at least 2 frames, got %d", n)
	}
	inner := e.ObsShape()
	f := &FrameStack{
		VecEnv: e,
		n:      n,
		inner:  inner,
		shape:  ObsShape{Height: inner.Height, Width: inner.Width, Channels: inner.Channels * n},
		frames: make([][]float32, n),
	}
	for i := range f.frames {
		f.frames[i] = make([]float32, e.NumEnvs()*inner.FlatDim())
	}
	return f, nil
}

// ObsShape returns the stacked shape.
func (f *FrameStack) ObsShape() ObsShape { return f.shape }

func (f *FrameStack) Reset() (*Batch, error) {
	batch, err := f.VecEnv.Reset()
	if err != nil {
		return nil, err
	}
	for _, frame := range f.frames {
		clear(frame)
	}
	f.push(batch.Observations)
	batch.Observations = f.stacked()
	return batch, nil
}

func (f *FrameStack) Step(actions [][]int32) (*Batch, error) {
	batch, err := f.VecEnv.Step(actions)
	if err != nil {
		return nil, err
	}
	f.push(batch.Observations)
	// A done step already carries the next episode's first observation;
	// drop the finished episode's frames behind it.
	for e, done := range batch.Dones {
		if done {
			f.clearHistory(e)
		}
	}
	batch.Observations = f.stacked()
	return batch, nil
}

// push rotates the window and copies obs into the newest slot.
func (f *FrameStack) push(obs []float32) {
	oldest := f.frames[0]
	copy(f.frames, f.frames[1:])
	copy(oldest, obs)
	f.frames[f.n-1] = oldest
}

// clearHistory zeroes every frame but the newest for one environment.
func (f *FrameStack) clearHistory(envIdx int) {
	stride := f.inner.FlatDim()
	for _, frame := range f.frames[:f.n-1] {
		clear(frame[envIdx*stride : (envIdx+1)*stride])
	}
}

// stacked interleaves the frames per cell: the stacked observation of a
// cell holds frame 0's channels first through frame n-1's last, so the
// newest frame sits in the highest channels.
func (f *FrameStack) stacked() []float32 {
	numEnvs := f.NumEnvs()
	cells := f.inner.Height * f.inner.Width
	out := make([]float32, numEnvs*f.shape.FlatDim())
	for e := 0; e < numEnvs; e++ {
		dst := out[e*f.shape.FlatDim() : (e+1)*f.shape.FlatDim()]
		for fi, frame := range f.frames {
			src := frame[e*f.inner.FlatDim() : (e+1)*f.inner.FlatDim()]
			for cell := 0; cell < cells; cell++ {
				copy(dst[cell*f.shape.Channels+fi*f.inner.Channels:], src[cell*f.inner.Channels:(cell+1)*f.inner.Channels])
			}
		}
	}
	return out
}
