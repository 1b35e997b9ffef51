package diffw

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestInkMask_DetectsDarkPixelsOnly(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.Black)
	img.Set(1, 0, color.White)

	mask := inkMask(img, 200)
	require.True(t, mask[0][0])
	require.False(t, mask[0][1])
}

func TestCorrelateShifted_IdenticalMasksAtZeroShift(t *testing.T) {
	a := [][]bool{{true, false, true}, {false, true, false}}
	score := correlateShifted(a, a, 0, 0)
	require.Equal(t, 1.0, score)
}

func TestCorrelateShifted_DisjointMasksScoreZero(t *testing.T) {
	a := [][]bool{{true, true}, {true, true}}
	b := [][]bool{{false, false}, {false, false}}
	require.Equal(t, 0.0, correlateShifted(a, b, 0, 0))
}

func TestWorker_EstimateTranslation_FindsExactShift(t *testing.T) {
	w := &Worker{cfg: DefaultConfig()}
	w.cfg.SearchWindow = 8

	base := image.NewRGBA(image.Rect(0, 0, 40, 40))
	fillWhite(base)
	for y := 10; y < 20; y++ {
		for x := 10; x < 20; x++ {
			base.Set(x, y, color.Black)
		}
	}
	shifted := image.NewRGBA(image.Rect(0, 0, 40, 40))
	fillWhite(shifted)
	for y := 13; y < 23; y++ {
		for x := 12; x < 22; x++ {
			shifted.Set(x, y, color.Black)
		}
	}

	dx, dy, score := w.estimateTranslation(base, shifted)
	require.Equal(t, 2, dx)
	require.Equal(t, 3, dy)
	require.Greater(t, score, 0.9)
}

func fillWhite(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			img.Set(x, y, color.White)
		}
	}
}

func TestWorker_ComposeOverlay_ColorsAddedRemovedAndCommonInk(t *testing.T) {
	w := &Worker{cfg: DefaultConfig()}

	baseline := image.NewRGBA(image.Rect(0, 0, 2, 1))
	baseline.Set(0, 0, color.Black) // common
	baseline.Set(1, 0, color.Black) // removed in revised

	revised := image.NewRGBA(image.Rect(0, 0, 2, 1))
	revised.Set(0, 0, color.Black) // common
	revised.Set(1, 0, color.White) // ink removed here

	overlay, changeCount := w.composeOverlay(baseline, revised)
	require.Equal(t, color.RGBA{128, 128, 128, 255}, overlay.At(0, 0))
	require.Equal(t, color.RGBA{220, 30, 30, 255}, overlay.At(1, 0))
	require.Equal(t, 1, changeCount)
}

func TestWorker_ComposeOverlay_NoChangesZeroCount(t *testing.T) {
	w := &Worker{cfg: DefaultConfig()}
	baseline := solidImage(4, 4, color.White)
	revised := solidImage(4, 4, color.White)

	_, changeCount := w.composeOverlay(baseline, revised)
	require.Equal(t, 0, changeCount)
}
