// Package checkpoint persists the full parameter state, trainable and
// frozen layers alike, as an opaque blob named model_step_<t>.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/muchq/gradhub/tensor"
)

type Layer struct {
	Shape  []int     `json:"shape"`
	Frozen bool      `json:"frozen"`
	Data   []float64 `json:"data"`
}

type State struct {
	Step   int64   `json:"step"`
	RunID  string  `json:"run_id,omitempty"`
	Layers []Layer `json:"layers"`
}

// Path names the checkpoint blob for a step.
func Path(dir string, step int64) string {
	return filepath.Join(dir, fmt.Sprintf("model_step_%d", step))
}

// FromTensors assembles a state from the live parameter vector.
func FromTensors(step int64, runID string, params []*tensor.Tensor, frozen []bool) *State {
	layers := make([]Layer, len(params))
	for i, p := range params {
		layers[i] = Layer{
			Shape:  append([]int{}, p.Shape...),
			Frozen: frozen[i],
			Data:   append([]float64{}, p.Data...),
		}
	}
	return &State{Step: step, RunID: runID, Layers: layers}
}

// Tensors rebuilds the parameter vector and frozen mask.
func (s *State) Tensors() ([]*tensor.Tensor, []bool) {
	params := make([]*tensor.Tensor, len(s.Layers))
	frozen := make([]bool, len(s.Layers))
	for i, l := range s.Layers {
		params[i] = tensor.FromData(l.Data, l.Shape...)
		frozen[i] = l.Frozen
	}
	return params, frozen
}

func Save(dir string, s *State) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	path := Path(dir, s.Step)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return path, nil
}

func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &s, nil
}
