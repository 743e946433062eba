package training

import (
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-swalp/params"
)

// Model is a network whose trainable state lives in a params.Set. Forward
// reads only materialized values and fails with params.ErrStaleWeights if
// they are out of date.
type Model interface {
	Params() *params.Set
	ZeroGrad()
	Forward(x *mat.Dense, train bool) (*mat.Dense, error)
	Backward(gradLogits *mat.Dense) error
	NumClasses() int
}
