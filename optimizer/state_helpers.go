package optimizer

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/tsawler/go-swalp/checkpoints"
)

// extractBufferState snapshots per-parameter buffers sorted by name.
func extractBufferState(buffers map[string][]float64, stateType string) []checkpoints.OptimizerTensor {
	names := lo.Keys(buffers)
	sort.Strings(names)

	out := make([]checkpoints.OptimizerTensor, 0, len(buffers))
	for _, name := range names {
		buf := buffers[name]
		out = append(out, checkpoints.OptimizerTensor{
			Name:      name,
			Shape:     []int{len(buf)},
			Data:      append([]float64(nil), buf...),
			StateType: stateType,
		})
	}
	return out
}

// restoreBufferState rebuilds per-parameter buffers of one state type.
func restoreBufferState(tensors []checkpoints.OptimizerTensor, stateType string) (map[string][]float64, error) {
	out := make(map[string][]float64)
	for _, t := range tensors {
		if t.StateType != stateType {
			continue
		}
		if _, dup := out[t.Name]; dup {
			return nil, fmt.Errorf("duplicate %s buffer for %q", stateType, t.Name)
		}
		out[t.Name] = append([]float64(nil), t.Data...)
	}
	return out, nil
}
