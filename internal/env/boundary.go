package env

// BoundaryChannels wraps a VecEnv and appends one observation channel
// that is 1.0 on the map border and 0.0 elsewhere. Convolutional trunks
// otherwise only learn map edges implicitly from zero padding; the
// explicit channel makes walls visible to the first layer.
type BoundaryChannels struct {
	VecEnv

	shape ObsShape // wrapped shape + 1 channel
	board []float32
}

// NewBoundaryChannels wraps e.
func NewBoundaryChannels(e VecEnv) *BoundaryChannels {
	inner := e.ObsShape()
	b := &BoundaryChannels{
		VecEnv: e,
		shape:  ObsShape{Height: inner.Height, Width: inner.Width, Channels: inner.Channels + 1},
	}
	b.board = make([]float32, inner.Height*inner.Width)
	for y := 0; y < inner.Height; y++ {
		for x := 0; x < inner.Width; x++ {
			if y == 0 || y == inner.Height-1 || x == 0 || x == inner.Width-1 {
				b.board[y*inner.Width+x] = 1
			}
		}
	}
	return b
}

// ObsShape returns the augmented shape.
func (b *BoundaryChannels) ObsShape() ObsShape { return b.shape }

func (b *BoundaryChannels) Reset() (*Batch, error) {
	batch, err := b.VecEnv.Reset()
	if err != nil {
		return nil, err
	}
	b.augment(batch)
	return batch, nil
}

func (b *BoundaryChannels) Step(actions [][]int32) (*Batch, error) {
	batch, err := b.VecEnv.Step(actions)
	if err != nil {
		return nil, err
	}
	b.augment(batch)
	return batch, nil
}

// augment rewrites batch.Observations with the boundary channel
// interleaved after each cell's original channels (HWC layout).
func (b *BoundaryChannels) augment(batch *Batch) {
	inner := b.VecEnv.ObsShape()
	numEnvs := b.NumEnvs()
	cells := inner.Height * inner.Width
	out := make([]float32, numEnvs*b.shape.FlatDim())
	for e := 0; e < numEnvs; e++ {
		src := batch.Observations[e*inner.FlatDim() : (e+1)*inner.FlatDim()]
		dst := out[e*b.shape.FlatDim() : (e+1)*b.shape.FlatDim()]
		for cell := 0; cell < cells; cell++ {
			copy(dst[cell*b.shape.Channels:], src[cell*inner.Channels:(cell+1)*inner.Channels])
			dst[cell*b.shape.Channels+inner.Channels] = b.board[cell]
		}
	}
	batch.Observations = out
}
