// Package model defines the differentiable-model contract consumed by the
// attribution engine, the immutable Checkpoint type, and two built-in models.
//
// # Contract
//
// A [Model] runs one batched forward pass per batch and returns a [Tape].
// The tape keeps the intermediate activations of every example, so the
// per-example backward passes share the forward computation and only diverge
// at the backward step:
//
//	tape, err := m.Forward(ckpt.Params, inputs)
//	outputs := tape.Outputs()                // [batch][NumOutputs]
//	err = tape.Backward(i, seed, gradRow)    // d<seed, output_i>/dθ
//
// # Built-in models
//
//   - [Linear]: affine map W·x + b (softmax/linear regression)
//   - [MLP]: one hidden ReLU layer
//
// Parameters are a flat []float32 in a documented per-model layout, so a
// checkpoint is simply a model id plus a parameter vector.
package model
