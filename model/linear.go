package model

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear is the affine model out = W·x + b.
//
// Parameter layout: W row-major [Out][In], followed by b [Out] when Bias is set.
type Linear struct {
	In   int
	Out  int
	Bias bool
}

// NewLinear returns a Linear model.
func NewLinear(in, out int, bias bool) *Linear {
	return &Linear{In: in, Out: out, Bias: bias}
}

// NumParams implements Model.
func (m *Linear) NumParams() int {
	n := m.In * m.Out
	if m.Bias {
		n += m.Out
	}
	return n
}

// NumOutputs implements Model.
func (m *Linear) NumOutputs() int { return m.Out }

// InputDim implements Model.
func (m *Linear) InputDim() int { return m.In }

// Forward implements Model.
func (m *Linear) Forward(params []float32, inputs [][]float32) (Tape, error) {
	if err := (Checkpoint{Params: params}).Validate(m); err != nil {
		return nil, err
	}
	if err := checkInputs(inputs, m.In); err != nil {
		return nil, err
	}

	x := stack(inputs, m.In)
	z := affine(x, params[:m.In*m.Out], m.biasOf(params), m.In, m.Out)

	return &linearTape{m: m, x: x, out: toFloat64Rows(z)}, nil
}

func (m *Linear) biasOf(params []float32) []float32 {
	if !m.Bias {
		return nil
	}
	return params[m.In*m.Out:]
}

type linearTape struct {
	m   *Linear
	x   blas32.General
	out [][]float64
}

func (t *linearTape) Outputs() [][]float64 { return t.out }

func (t *linearTape) Backward(i int, seed []float64, grad []float32) error {
	m := t.m
	if err := checkBackward(i, len(t.out), seed, m.Out, grad, m.NumParams()); err != nil {
		return err
	}
	x := t.x.Data[i*t.x.Stride : i*t.x.Stride+m.In]
	for o := 0; o < m.Out; o++ {
		s := float32(seed[o])
		row := grad[o*m.In : (o+1)*m.In]
		for j, xj := range x {
			row[j] = s * xj
		}
	}
	if m.Bias {
		b := grad[m.In*m.Out:]
		for o := range b {
			b[o] = float32(seed[o])
		}
	}
	return nil
}

// stack copies rows into one contiguous row-major matrix.
func stack(rows [][]float32, cols int) blas32.General {
	g := blas32.General{Rows: len(rows), Cols: cols, Stride: cols, Data: make([]float32, len(rows)*cols)}
	for i, r := range rows {
		copy(g.Data[i*cols:], r)
	}
	return g
}

// affine computes x·Wᵗ + b for a row-major weight matrix W [out][in].
func affine(x blas32.General, w, b []float32, in, out int) blas32.General {
	z := blas32.General{Rows: x.Rows, Cols: out, Stride: out, Data: make([]float32, x.Rows*out)}
	if x.Rows == 0 {
		return z
	}
	wm := blas32.General{Rows: out, Cols: in, Stride: in, Data: w}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, x, wm, 0, z)
	if b != nil {
		for r := 0; r < z.Rows; r++ {
			row := z.Data[r*out : (r+1)*out]
			for o := range row {
				row[o] += b[o]
			}
		}
	}
	return z
}

func toFloat64Rows(g blas32.General) [][]float64 {
	out := make([][]float64, g.Rows)
	for r := range out {
		row := make([]float64, g.Cols)
		for c := range row {
			row[c] = float64(g.Data[r*g.Stride+c])
		}
		out[r] = row
	}
	return out
}
