package model

import (
	"gonum.org/v1/gonum/blas/blas32"
)

// MLP is a two-layer perceptron: out = W2·relu(W1·x + b1) + b2.
//
// Parameter layout: W1 [Hidden][In], b1 [Hidden], W2 [Out][Hidden], b2 [Out].
type MLP struct {
	In     int
	Hidden int
	Out    int
}

// NewMLP returns an MLP model.
func NewMLP(in, hidden, out int) *MLP {
	return &MLP{In: in, Hidden: hidden, Out: out}
}

// NumParams implements Model.
func (m *MLP) NumParams() int {
	return m.Hidden*m.In + m.Hidden + m.Out*m.Hidden + m.Out
}

// NumOutputs implements Model.
func (m *MLP) NumOutputs() int { return m.Out }

// InputDim implements Model.
func (m *MLP) InputDim() int { return m.In }

type mlpParams struct {
	w1, b1, w2, b2 []float32
}

func (m *MLP) split(params []float32) mlpParams {
	o := 0
	take := func(n int) []float32 {
		s := params[o : o+n]
		o += n
		return s
	}
	return mlpParams{
		w1: take(m.Hidden * m.In),
		b1: take(m.Hidden),
		w2: take(m.Out * m.Hidden),
		b2: take(m.Out),
	}
}

// Forward implements Model.
func (m *MLP) Forward(params []float32, inputs [][]float32) (Tape, error) {
	if err := (Checkpoint{Params: params}).Validate(m); err != nil {
		return nil, err
	}
	if err := checkInputs(inputs, m.In); err != nil {
		return nil, err
	}

	p := m.split(params)
	x := stack(inputs, m.In)
	pre := affine(x, p.w1, p.b1, m.In, m.Hidden)

	h := blas32.General{Rows: pre.Rows, Cols: pre.Cols, Stride: pre.Stride, Data: make([]float32, len(pre.Data))}
	for i, v := range pre.Data {
		if v > 0 {
			h.Data[i] = v
		}
	}
	z := affine(h, p.w2, p.b2, m.Hidden, m.Out)

	return &mlpTape{m: m, p: p, x: x, pre: pre, h: h, out: toFloat64Rows(z)}, nil
}

type mlpTape struct {
	m      *MLP
	p      mlpParams
	x      blas32.General
	pre, h blas32.General
	out    [][]float64
}

func (t *mlpTape) Outputs() [][]float64 { return t.out }

func (t *mlpTape) Backward(i int, seed []float64, grad []float32) error {
	m := t.m
	if err := checkBackward(i, len(t.out), seed, m.Out, grad, m.NumParams()); err != nil {
		return err
	}
	g := m.split(grad)
	x := t.x.Data[i*m.In : (i+1)*m.In]
	pre := t.pre.Data[i*m.Hidden : (i+1)*m.Hidden]
	h := t.h.Data[i*m.Hidden : (i+1)*m.Hidden]

	// Output layer.
	dh := make([]float32, m.Hidden)
	for o := 0; o < m.Out; o++ {
		s := float32(seed[o])
		g.b2[o] = s
		w2 := t.p.w2[o*m.Hidden : (o+1)*m.Hidden]
		gw2 := g.w2[o*m.Hidden : (o+1)*m.Hidden]
		for k := range gw2 {
			gw2[k] = s * h[k]
			dh[k] += s * w2[k]
		}
	}

	// Hidden layer through the ReLU mask.
	for k := 0; k < m.Hidden; k++ {
		dz := dh[k]
		if pre[k] <= 0 {
			dz = 0
		}
		g.b1[k] = dz
		gw1 := g.w1[k*m.In : (k+1)*m.In]
		for j, xj := range x {
			gw1[j] = dz * xj
		}
	}
	return nil
}
