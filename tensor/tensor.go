package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Tensor is a dense, contiguous, row-major float64 array with an arbitrary
// number of dimensions. Rollout buffers index the leading dimension by time
// and the second dimension by worker process.
type Tensor struct {
	shape []int
	data  []float64
}

// Zeros returns a zero-filled tensor with the given shape.
func Zeros(shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
		size *= d
	}
	return &Tensor{
		shape: append([]int{}, shape...),
		data:  make([]float64, size),
	}
}

// Ones returns a one-filled tensor with the given shape.
func Ones(shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = 1
	}
	return t
}

// FromSlice wraps the given data in a tensor of the given shape. The slice
// is used directly, not copied.
func FromSlice(data []float64, shape ...int) *Tensor {
	t := &Tensor{shape: append([]int{}, shape...), data: data}
	if t.NumElem() != len(data) {
		panic(fmt.Sprintf("tensor: shape %v does not match %d elements", shape, len(data)))
	}
	return t
}

func (t *Tensor) Shape() []int {
	return append([]int{}, t.shape...)
}

func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

func (t *Tensor) NumElem() int {
	size := 1
	for _, d := range t.shape {
		size *= d
	}
	return size
}

// Data exposes the underlying storage. Mutating it mutates the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// stride returns the number of elements spanned by one index step along dim.
func (t *Tensor) stride(dim int) int {
	s := 1
	for i := dim + 1; i < len(t.shape); i++ {
		s *= t.shape[i]
	}
	return s
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for %d dimensions", len(idx), len(t.shape)))
	}
	off := 0
	for i, ix := range idx {
		if ix < 0 || ix >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + ix
	}
	return off
}

func (t *Tensor) At(idx ...int) float64 {
	return t.data[t.offset(idx)]
}

func (t *Tensor) Set(v float64, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *Tensor) Fill(v float64) {
	for i := range t.data {
		t.data[i] = v
	}
}

func (t *Tensor) Clone() *Tensor {
	out := Zeros(t.shape...)
	copy(out.data, t.data)
	return out
}

// Step returns the storage slice backing index i of the leading dimension.
func (t *Tensor) Step(i int) []float64 {
	s := t.stride(0)
	if i < 0 || i >= t.shape[0] {
		panic(fmt.Sprintf("tensor: step %d out of range for shape %v", i, t.shape))
	}
	return t.data[i*s : (i+1)*s]
}

// Block returns the storage slice at leading index i, second index j. The
// tensor must have at least two dimensions.
func (t *Tensor) Block(i, j int) []float64 {
	if len(t.shape) < 2 {
		panic("tensor: Block requires at least two dimensions")
	}
	if j < 0 || j >= t.shape[1] {
		panic(fmt.Sprintf("tensor: block (%d,%d) out of range for shape %v", i, j, t.shape))
	}
	s := t.stride(1)
	start := i*t.stride(0) + j*s
	return t.data[start : start+s]
}

// CopyStep copies leading-index src of from into leading-index dst of t.
// Trailing shapes must match.
func (t *Tensor) CopyStep(dst int, from *Tensor, src int) {
	a, b := t.Step(dst), from.Step(src)
	if len(a) != len(b) {
		panic(fmt.Sprintf("tensor: step copy size mismatch %d != %d", len(a), len(b)))
	}
	copy(a, b)
}

// CopyFrom copies the contents of from, which must have the same number of
// elements.
func (t *Tensor) CopyFrom(from *Tensor) {
	if len(t.data) != len(from.data) {
		panic(fmt.Sprintf("tensor: copy size mismatch %v != %v", t.shape, from.shape))
	}
	copy(t.data, from.data)
}

// KeepDim returns a new tensor retaining only the given indices along dim,
// in the given order.
func (t *Tensor) KeepDim(dim int, indices []int) *Tensor {
	outShape := t.Shape()
	outShape[dim] = len(indices)
	out := Zeros(outShape...)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.shape[i]
	}
	inner := t.stride(dim)
	for o := 0; o < outer; o++ {
		srcBase := o * t.shape[dim] * inner
		dstBase := o * len(indices) * inner
		for k, ix := range indices {
			if ix < 0 || ix >= t.shape[dim] {
				panic(fmt.Sprintf("tensor: keep index %d out of range for dim %d of shape %v", ix, dim, t.shape))
			}
			copy(
				out.data[dstBase+k*inner:dstBase+(k+1)*inner],
				t.data[srcBase+ix*inner:srcBase+(ix+1)*inner],
			)
		}
	}
	return out
}

// Select0 returns a copy of the subtensor at index i of the leading
// dimension, dropping that dimension.
func (t *Tensor) Select0(i int) *Tensor {
	out := Zeros(t.shape[1:]...)
	copy(out.data, t.Step(i))
	return out
}

// Narrow0 returns a copy of the first length entries of the leading
// dimension.
func (t *Tensor) Narrow0(length int) *Tensor {
	if length < 0 || length > t.shape[0] {
		panic(fmt.Sprintf("tensor: narrow length %d out of range for shape %v", length, t.shape))
	}
	outShape := t.Shape()
	outShape[0] = length
	out := Zeros(outShape...)
	copy(out.data, t.data[:length*t.stride(0)])
	return out
}

// FlattenTimeProc reorders a [T, N, ...] tensor into [T*N, ...] keeping only
// the process indices in procs, with output row order t*len(procs)+k.
func (t *Tensor) FlattenTimeProc(procs []int) *Tensor {
	if len(t.shape) < 2 {
		panic("tensor: FlattenTimeProc requires at least two dimensions")
	}
	T := t.shape[0]
	feat := t.shape[2:]
	outShape := append([]int{T * len(procs)}, feat...)
	out := Zeros(outShape...)
	inner := t.stride(1)
	for step := 0; step < T; step++ {
		for k, p := range procs {
			copy(out.data[(step*len(procs)+k)*inner:(step*len(procs)+k+1)*inner], t.Block(step, p))
		}
	}
	return out
}

// Mean returns the mean over all elements.
func (t *Tensor) Mean() float64 {
	if len(t.data) == 0 {
		return 0
	}
	return stat.Mean(t.data, nil)
}

// Std returns the population-normalized standard deviation over all
// elements, matching the normalization used for advantage whitening.
func (t *Tensor) Std() float64 {
	if len(t.data) < 2 {
		return 0
	}
	return stat.StdDev(t.data, nil)
}

// Sub returns t - other elementwise as a new tensor.
func (t *Tensor) Sub(other *Tensor) *Tensor {
	if len(t.data) != len(other.data) {
		panic(fmt.Sprintf("tensor: sub size mismatch %v != %v", t.shape, other.shape))
	}
	out := t.Clone()
	floats.Sub(out.data, other.data)
	return out
}

// AddScaled sets t += alpha * other elementwise.
func (t *Tensor) AddScaled(alpha float64, other *Tensor) {
	if len(t.data) != len(other.data) {
		panic(fmt.Sprintf("tensor: add size mismatch %v != %v", t.shape, other.shape))
	}
	floats.AddScaled(t.data, alpha, other.data)
}

// Scale multiplies every element by alpha.
func (t *Tensor) Scale(alpha float64) {
	floats.Scale(alpha, t.data)
}

// Shift adds alpha to every element.
func (t *Tensor) Shift(alpha float64) {
	floats.AddConst(alpha, t.data)
}

// SameShape reports whether the two tensors have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}
