// Package layers describes and builds the fully connected reference network
// trained by the quantized training loop.
package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	default:
		return "Unknown"
	}
}

// LayerSpec is pure configuration for one layer.
type LayerSpec struct {
	Type       LayerType `json:"type"`
	Name       string    `json:"name"`
	OutputSize int       `json:"output_size,omitempty"`
	UseBias    bool      `json:"use_bias,omitempty"`

	// Computed during compilation
	InputSize       int     `json:"input_size,omitempty"`
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec is a compiled stack of layers.
type ModelSpec struct {
	Layers          []LayerSpec `json:"layers"`
	TotalParameters int64       `json:"total_parameters"`
	InputSize       int         `json:"input_size"`
	OutputSize      int         `json:"output_size"`
	Compiled        bool        `json:"compiled"`
}

// ModelBuilder assembles a ModelSpec layer by layer.
type ModelBuilder struct {
	layers    []LayerSpec
	inputSize int
}

// NewModelBuilder creates a builder for inputs with inputSize features.
func NewModelBuilder(inputSize int) *ModelBuilder {
	return &ModelBuilder{inputSize: inputSize}
}

// AddLayer appends a layer spec.
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddDense appends a fully connected layer.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Dense,
		Name:       name,
		OutputSize: outputSize,
		UseBias:    useBias,
	})
}

// AddReLU appends a ReLU activation.
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// Compile computes sizes and parameter shapes.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if mb.inputSize <= 0 {
		return nil, fmt.Errorf("input size must be positive, got %d", mb.inputSize)
	}

	model := &ModelSpec{
		Layers:    make([]LayerSpec, len(mb.layers)),
		InputSize: mb.inputSize,
	}
	copy(model.Layers, mb.layers)

	seen := make(map[string]bool)
	current := mb.inputSize
	for i := range model.Layers {
		layer := &model.Layers[i]
		if layer.Name == "" {
			layer.Name = fmt.Sprintf("%s%d", strings.ToLower(layer.Type.String()), i)
		}
		if seen[layer.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true
		layer.InputSize = current

		switch layer.Type {
		case Dense:
			if layer.OutputSize <= 0 {
				return nil, fmt.Errorf("layer %d (%s): output size must be positive, got %d", i, layer.Name, layer.OutputSize)
			}
			layer.ParameterShapes = [][]int{{layer.OutputSize, current}}
			layer.ParameterCount = int64(layer.OutputSize * current)
			if layer.UseBias {
				layer.ParameterShapes = append(layer.ParameterShapes, []int{layer.OutputSize})
				layer.ParameterCount += int64(layer.OutputSize)
			}
			current = layer.OutputSize
		case ReLU:
			layer.OutputSize = current
		default:
			return nil, fmt.Errorf("layer %d (%s): unsupported layer type %s", i, layer.Name, layer.Type)
		}
		model.TotalParameters += layer.ParameterCount
	}

	if model.Layers[len(model.Layers)-1].Type != Dense {
		return nil, fmt.Errorf("last layer must be Dense to produce logits")
	}

	model.OutputSize = current
	model.Compiled = true
	return model, nil
}

// MLP builds the spec of a ReLU multilayer perceptron with the given hidden
// widths and no biases.
func MLP(inputSize int, hidden []int, numClasses int) (*ModelSpec, error) {
	mb := NewModelBuilder(inputSize)
	for i, h := range hidden {
		mb.AddDense(h, false, fmt.Sprintf("fc%d", i+1))
		mb.AddReLU(fmt.Sprintf("relu%d", i+1))
	}
	mb.AddDense(numClasses, false, fmt.Sprintf("fc%d", len(hidden)+1))
	return mb.Compile()
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model Summary:\n")
	fmt.Fprintf(&b, "Input Size: %d\n", ms.InputSize)
	fmt.Fprintf(&b, "Output Size: %d\n", ms.OutputSize)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n", len(ms.Layers))
	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "  %d: %-8s %-6s %d -> %d params=%d\n",
			i+1, layer.Name, layer.Type, layer.InputSize, layer.OutputSize, layer.ParameterCount)
	}
	return b.String()
}
