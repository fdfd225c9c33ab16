// Package projector implements reproducible random projections of gradient
// matrices down to a fixed sketch dimension.
//
// A projection is the linear map x ↦ P·x where P is a ProjDim×GradDim matrix
// with i.i.d. entries drawn from a Rademacher (±1) or standard normal
// distribution. Entries are a pure function of (seed, row, column block), so
// the two implementations agree:
//
//   - Dense materializes P once and multiplies in bounded row chunks. Suitable
//     while ProjDim·GradDim float32 values fit the memory budget.
//   - Fused regenerates one column block of P at a time inside the multiply
//     and never holds more than ProjDim×BlockCols entries.
//
// Both return bit-identical P entries; the products differ only by float32
// summation order.
package projector
