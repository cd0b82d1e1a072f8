// devicetest verifies the XLA installation: it creates the default
// backend, runs a trivial computation through it and prints the device
// it landed on. Run this before a long training job to catch PJRT
// plugin problems early.
package main

import (
	"fmt"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"k8s.io/klog/v2"

	"github.com/microrts-go/trainer/internal/agent"
)

func main() {
	fmt.Printf("Backend: %s\n", agent.BackendName())

	exec := graph.NewExec(agent.Backend(), func(x *graph.Node) *graph.Node {
		return graph.ReduceAllSum(graph.MulScalar(x, 2))
	})
	got := exec.Call([]float32{1, 2, 3, 4})[0]
	sum := tensors.ToScalar[float32](got)
	if sum != 20 {
		klog.Exitf("Computed %g, want 20: the backend is broken", sum)
	}
	fmt.Println("Computed 2*sum(1..4) = 20, device looks healthy.")
}
