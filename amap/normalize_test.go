package amap

import (
	"math"
	"testing"

	iface "OnnxAnomalyServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) / float32(n)
	}
	return out
}

func dims(m *mat.Dense) [2]int {
	r, c := m.Dims()
	return [2]int{r, c}
}

func TestNormalize_Ranks(t *testing.T) {
	hint := &iface.ImageSize{Height: 12, Width: 20}
	cases := []struct {
		name string
		raw  iface.Tensor
		hint *iface.ImageSize
		want [2]int
	}{
		{"rank0 with hint", iface.Tensor{Data: []float32{0.7}}, hint, [2]int{12, 20}},
		{"rank0 fallback", iface.Tensor{Data: []float32{0.7}}, nil, [2]int{64, 64}},
		{"rank1 square", iface.Tensor{Shape: []int{16}, Data: ramp(16)}, hint, [2]int{4, 4}},
		{"rank1 not square", iface.Tensor{Shape: []int{10}, Data: ramp(10)}, hint, [2]int{12, 20}},
		{"rank2", iface.Tensor{Shape: []int{3, 5}, Data: ramp(15)}, hint, [2]int{3, 5}},
		{"rank3", iface.Tensor{Shape: []int{2, 3, 5}, Data: ramp(30)}, hint, [2]int{3, 5}},
		{"rank4", iface.Tensor{Shape: []int{1, 2, 6, 7}, Data: ramp(84)}, hint, [2]int{6, 7}},
		{"rank5", iface.Tensor{Shape: []int{1, 1, 2, 4, 8}, Data: ramp(64)}, hint, [2]int{4, 8}},
		{"short buffer", iface.Tensor{Shape: []int{1, 1, 8, 8}, Data: ramp(10)}, nil, [2]int{64, 64}},
		{"empty rank1", iface.Tensor{Shape: []int{0}}, nil, [2]int{64, 64}},
		{"zero dim rank2", iface.Tensor{Shape: []int{0, 5}}, hint, [2]int{12, 20}},
		{"overflowing rank2", iface.Tensor{Shape: []int{math.MaxInt/2 + 1, math.MaxInt/2 + 1}}, nil, [2]int{64, 64}},
		{"overflowing rank4", iface.Tensor{Shape: []int{1, 1, math.MaxInt/2 + 1, 4}, Data: ramp(8)}, hint, [2]int{12, 20}},
		{"overflowing rank5", iface.Tensor{Shape: []int{1, 1, 2, math.MaxInt/2 + 1, 4}, Data: ramp(8)}, hint, [2]int{12, 20}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out *mat.Dense
			require.NotPanics(t, func() { out = Normalize(tc.raw, tc.hint) })
			assert.Equal(t, tc.want, dims(out))
		})
	}
}

func TestNormalize_KeepsFirstPlane(t *testing.T) {
	raw := iface.Tensor{Shape: []int{1, 1, 2, 2}, Data: []float32{0.1, 0.2, 0.3, 0.4}}
	out := Normalize(raw, nil)
	assert.InDelta(t, 0.1, out.At(0, 0), 1e-6)
	assert.InDelta(t, 0.4, out.At(1, 1), 1e-6)
}

func TestNormalize_BroadcastValues(t *testing.T) {
	scalar := Normalize(iface.Tensor{Data: []float32{0.25}}, nil)
	assert.InDelta(t, 0.25, scalar.At(63, 63), 1e-6)

	// mean of 0.1, 0.2, 0.3
	mean := Normalize(iface.Tensor{Shape: []int{3}, Data: []float32{0.1, 0.2, 0.3}}, nil)
	assert.InDelta(t, 0.2, mean.At(10, 10), 1e-6)

	empty := Normalize(iface.Tensor{Shape: []int{0, 0}}, nil)
	assert.InDelta(t, MiddleValue, empty.At(0, 0), 1e-9)
}

func TestNormalize_ReplacesNonFinite(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	out := Normalize(iface.Tensor{Shape: []int{2, 2}, Data: []float32{nan, inf, 0.5, 0.5}}, nil)
	for _, v := range Values(out) {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
	assert.Equal(t, 0.0, out.At(0, 0))
}

func TestSqueeze(t *testing.T) {
	sq := Squeeze(iface.Tensor{Shape: []int{1, 1, 4, 5}, Data: ramp(20)})
	assert.Equal(t, []int{4, 5}, sq.Shape)

	scalar := Squeeze(iface.Tensor{Shape: []int{1, 1}, Data: []float32{3}})
	assert.Equal(t, 0, scalar.Rank())
}

func TestRescale(t *testing.T) {
	m := mat.NewDense(1, 2, []float64{255, 51})
	require.True(t, Rescale(m))
	assert.InDelta(t, 1.0, m.At(0, 0), 1e-9)
	assert.InDelta(t, 0.2, m.At(0, 1), 1e-9)

	already := mat.NewDense(1, 2, []float64{1, 0.5})
	assert.False(t, Rescale(already))
	assert.Equal(t, 0.5, already.At(0, 1))
}

func TestDescribe(t *testing.T) {
	s := Describe(mat.NewDense(2, 2, []float64{0, 1, 0, 1}))
	assert.Equal(t, 2, s.Rows)
	assert.Equal(t, 0.0, s.Min)
	assert.Equal(t, 1.0, s.Max)
	assert.InDelta(t, 0.5, s.Mean, 1e-9)
	assert.InDelta(t, 0.5, s.Std, 1e-9)
}
