package roi

import (
	"errors"
	"image"
	"path/filepath"
	"testing"

	"OnnxAnomalyServer/amap"
	iface "OnnxAnomalyServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type mapEnv map[string]string

func (e mapEnv) IsSet(key string) bool {
	_, ok := e[key]
	return ok
}

func (e mapEnv) GetString(key string) string {
	return e[key]
}

func ptr[T any](v T) *T {
	return &v
}

// topFivePercent 20×20 的图，最后一行为 1，其余为 0
func topFivePercent() *mat.Dense {
	m := mat.NewDense(20, 20, nil)
	for j := 0; j < 20; j++ {
		m.Set(19, j, 1)
	}
	return m
}

func TestPercentile(t *testing.T) {
	vals := []float64{4, 1, 3, 2}
	assert.Equal(t, 1.0, Percentile(vals, 0))
	assert.Equal(t, 4.0, Percentile(vals, 100))
	assert.InDelta(t, 2.5, Percentile(vals, 50), 1e-12)
	assert.Equal(t, []float64{4, 1, 3, 2}, vals)
	assert.Equal(t, 0.0, Percentile(nil, 95))
}

func TestScore_Modes(t *testing.T) {
	vals := []float64{0.2, 0.4, 0.6, 0.8}

	rel := Score(vals, DefaultParams())
	assert.InDelta(t, 77, rel.Percentile, 1e-9)
	assert.InDelta(t, 25, rel.AreaPercent, 1e-9)
	assert.InDelta(t, 77.0/25.0, rel.Combined, 1e-9)

	p := DefaultParams()
	p.Mode = ModeAbsolute
	abs := Score(vals, p)
	assert.InDelta(t, 50, abs.AreaPercent, 1e-9)
	assert.InDelta(t, 77.0/50.0, abs.Combined, 1e-9)
}

func TestScore_Empty(t *testing.T) {
	assert.Equal(t, Stats{}, Score(nil, DefaultParams()))
}

func TestCombine(t *testing.T) {
	assert.Equal(t, 20.0, Combine(10, 30, CombineMean))
	assert.InDelta(t, 10.0/30.0, Combine(10, 30, CombineMax), 1e-12)
	assert.InDelta(t, 1e7, Combine(10, 0, CombineMax), 1e-3)
	assert.Equal(t, Combine(10, 30, CombineMax), Combine(10, 30, "median"))
}

func TestPassed(t *testing.T) {
	assert.True(t, Passed(50, MultiRectPassThreshold))
	assert.False(t, Passed(49.99, MultiRectPassThreshold))
	assert.False(t, Passed(79, WholeImagePassThreshold))
}

func TestResolveParams(t *testing.T) {
	env := mapEnv{
		EnvPercentile:    "80",
		EnvThresholdMode: "ABSOLUTE",
		EnvAbsThreshold:  "0.25",
		EnvCombineMethod: "mean",
	}

	t.Run("defaults", func(t *testing.T) {
		assert.Equal(t, DefaultParams(), ResolveParams(Overrides{}, nil))
	})

	t.Run("environment", func(t *testing.T) {
		p := ResolveParams(Overrides{}, env)
		assert.Equal(t, Params{Percentile: 80, Mode: ModeAbsolute, AbsThreshold: 0.25, Method: CombineMean}, p)
	})

	t.Run("overrides win", func(t *testing.T) {
		p := ResolveParams(Overrides{
			Percentile:   ptr(90),
			Mode:         ptr("relative"),
			AbsThreshold: ptr(0.7),
			Method:       ptr("max"),
		}, env)
		assert.Equal(t, Params{Percentile: 90, Mode: ModeRelative, AbsThreshold: 0.7, Method: CombineMax}, p)
	})

	t.Run("invalid values fall through", func(t *testing.T) {
		p := ResolveParams(Overrides{Percentile: ptr(150)}, env)
		assert.Equal(t, 80, p.Percentile)

		bad := mapEnv{EnvPercentile: "abc", EnvAbsThreshold: "x"}
		p = ResolveParams(Overrides{}, bad)
		assert.Equal(t, DefaultPercentile, p.Percentile)
		assert.Equal(t, DefaultAbsThreshold, p.AbsThreshold)
	})

	t.Run("unknown mode is absolute", func(t *testing.T) {
		p := ResolveParams(Overrides{Mode: ptr("bogus")}, nil)
		assert.Equal(t, ModeAbsolute, p.Mode)
		_, ok := ParseMode("bogus")
		assert.False(t, ok)
	})
}

func TestBoxPoints(t *testing.T) {
	pts := BoxPoints(10, 10, 4, 2, 0)
	assert.ElementsMatch(t, []image.Point{{8, 11}, {8, 9}, {12, 9}, {12, 11}}, pts[:])

	rot := BoxPoints(10, 10, 4, 2, 90)
	assert.ElementsMatch(t, []image.Point{{9, 8}, {11, 8}, {11, 12}, {9, 12}}, rot[:])
}

func TestExtractMask(t *testing.T) {
	m := mat.NewDense(20, 20, nil)

	r := ExtractMask(iface.Rect{X: 2, Y: 3, Width: 4, Height: 2}, m)
	assert.Equal(t, image.Rect(2, 3, 7, 6), r.Bounds)
	assert.Greater(t, r.Count(), 0)
	assert.LessOrEqual(t, r.Count(), 15)

	outside := ExtractMask(iface.Rect{X: 100, Y: 100, Width: 10, Height: 10}, m)
	assert.Equal(t, 0, outside.Count())
	assert.True(t, outside.Bounds.Empty())

	rotated := ExtractMask(iface.Rect{X: 5, Y: 5, Width: 8, Height: 4, Angle: 30}, m)
	assert.Greater(t, rotated.Count(), 0)
}

func TestExtractMask_Rotated45(t *testing.T) {
	// 中心 (5.5,5.5) 的 3×3 旋转 45°：顶点截断后为半径 2 的菱形
	pts := BoxPoints(5.5, 5.5, 3, 3, 45)
	assert.Equal(t, [4]image.Point{{3, 5}, {5, 3}, {7, 5}, {5, 7}}, pts)

	m := mat.NewDense(20, 20, nil)
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			m.Set(y, x, float64(y*20+x))
		}
	}
	var want []float64
	for y := 3; y <= 7; y++ {
		for x := 3; x <= 7; x++ {
			if abs(x-5)+abs(y-5) <= 2 {
				want = append(want, float64(y*20+x))
			}
		}
	}
	require.Len(t, want, 13)

	r := ExtractMask(iface.Rect{X: 4, Y: 4, Width: 3, Height: 3, Angle: 45}, m)
	assert.Equal(t, image.Rect(3, 3, 8, 8), r.Bounds)
	assert.Equal(t, want, r.Values)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestValidateRect(t *testing.T) {
	err := ValidateRect(3, iface.Rect{ID: "a", Width: 0, Height: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, iface.ErrInvalidRect))

	var ire *iface.InvalidRectError
	require.True(t, errors.As(err, &ire))
	assert.Equal(t, 3, ire.Index)
	assert.NoError(t, ValidateRect(0, iface.Rect{Width: 1, Height: 1}))
}

func TestScoreRects_TopFivePercent(t *testing.T) {
	res, err := ScoreRects(topFivePercent(), []iface.Rect{{ID: "full", Width: 20, Height: 20}}, DefaultParams(), BatchOptions{PassThreshold: MultiRectPassThreshold})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.InDelta(t, 5, res[0].Percentile, 1e-6)
	assert.InDelta(t, 5, res[0].Area, 1e-6)
	assert.InDelta(t, 1, res[0].Score, 1e-6)
	assert.False(t, res[0].Passed)
}

func TestScoreRects_FullRectMatchesWholeMap(t *testing.T) {
	m := mat.NewDense(20, 20, nil)
	for i := 0; i < 20; i++ {
		for j := 0; j < 20; j++ {
			m.Set(i, j, float64(i*20+j)/400)
		}
	}
	whole := Score(amap.Values(m), DefaultParams())

	res, err := ScoreRects(m, []iface.Rect{{Width: 20, Height: 20}}, DefaultParams(), BatchOptions{PassThreshold: MultiRectPassThreshold})
	require.NoError(t, err)
	assert.InDelta(t, whole.Percentile, res[0].Percentile, 1e-9)
	assert.InDelta(t, whole.AreaPercent, res[0].Area, 1e-9)
	assert.Equal(t, "rect_0", res[0].ID)
}

func TestScoreRects_ZeroMap(t *testing.T) {
	res, err := ScoreRects(mat.NewDense(10, 10, nil), []iface.Rect{{ID: "z", Width: 10, Height: 10}}, DefaultParams(), BatchOptions{PassThreshold: MultiRectPassThreshold})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res[0].Score)
	assert.Equal(t, 0.0, res[0].Percentile)
	assert.Equal(t, 0.0, res[0].Area)
	assert.False(t, res[0].Passed)
}

func TestScoreRects_SingleInvalidRect(t *testing.T) {
	_, err := ScoreRects(mat.NewDense(10, 10, nil), []iface.Rect{{ID: "bad", Width: 0, Height: 4}}, DefaultParams(), BatchOptions{})
	assert.ErrorIs(t, err, iface.ErrInvalidRect)
}

func TestScoreRects_BatchIsolatesFailures(t *testing.T) {
	m := topFivePercent()
	rects := []iface.Rect{
		{ID: "ok", Width: 20, Height: 20},
		{Width: -1, Height: 3},
		{ID: "outside", X: 100, Y: 100, Width: 5, Height: 5},
	}
	res, err := ScoreRects(m, rects, DefaultParams(), BatchOptions{PassThreshold: MultiRectPassThreshold})
	require.NoError(t, err)
	require.Len(t, res, 3)

	assert.Equal(t, "ok", res[0].ID)
	assert.Empty(t, res[0].Error)

	assert.Equal(t, "rect_1", res[1].ID)
	assert.NotEmpty(t, res[1].Error)
	assert.False(t, res[1].Passed)

	assert.Equal(t, "outside", res[2].ID)
	assert.Equal(t, 0.0, res[2].Score)
	assert.False(t, res[2].Passed)
	assert.Nil(t, res[2].HeatmapFile)
}

func TestScoreRects_CropNameStaysInDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "crops")
	rects := []iface.Rect{
		{ID: "../../escape", Width: 20, Height: 20},
		{ID: "ok", Width: 20, Height: 20},
		{ID: "..", Width: 20, Height: 20},
	}
	res, err := ScoreRects(topFivePercent(), rects, DefaultParams(), BatchOptions{PassThreshold: MultiRectPassThreshold, CropDir: dir})
	require.NoError(t, err)

	require.NotNil(t, res[0].HeatmapFile)
	assert.Equal(t, filepath.Join(dir, "rect_0.png"), *res[0].HeatmapFile)
	assert.Equal(t, "../../escape", res[0].ID)
	assert.Equal(t, filepath.Join(dir, "ok.png"), *res[1].HeatmapFile)
	assert.Equal(t, filepath.Join(dir, "rect_2.png"), *res[2].HeatmapFile)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(filepath.Dir(dir)), "escape.png"))
}

func TestScoreRects_SkipsRescaleWhenDone(t *testing.T) {
	m := topFivePercent()
	m.Scale(300, m)

	res, err := ScoreRects(m, []iface.Rect{{ID: "r", Width: 20, Height: 20}}, DefaultParams(), BatchOptions{Rescaled: true})
	require.NoError(t, err)
	assert.InDelta(t, 300.0, mat.Max(m), 1e-9)
	assert.InDelta(t, 300*5, res[0].Percentile, 1e-6)
}

func TestScoreRects_RescalesAndWritesCrops(t *testing.T) {
	m := topFivePercent()
	m.Scale(255, m)
	dir := t.TempDir()

	res, err := ScoreRects(m, []iface.Rect{{ID: "r", Width: 20, Height: 20}}, DefaultParams(), BatchOptions{PassThreshold: 0.5, CropDir: dir})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, mat.Max(m), 1e-9)
	assert.InDelta(t, 5, res[0].Percentile, 1e-6)
	assert.True(t, res[0].Passed)
	require.NotNil(t, res[0].HeatmapFile)
	assert.Equal(t, filepath.Join(dir, "r.png"), *res[0].HeatmapFile)
}
