package diffw

import (
	"fmt"
	"image"
	"os"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
)

// LegendConfig controls the optional caption strip appended under every
// overlay, naming the drawing and the red/green/gray color key.
type LegendConfig struct {
	FontPath string
	FontSize float64
}

func DefaultLegendConfig() LegendConfig {
	return LegendConfig{FontSize: 18}
}

// annotate appends a caption strip below the overlay. When no FontPath is
// configured it returns the overlay unchanged: the legend is a presentation
// nicety on top of the contract fields (overlay_ref, alignment_score,
// change_count), not a field any caller depends on existing.
func annotate(overlay image.Image, cfg LegendConfig, drawingName string, changeCount int) image.Image {
	if cfg.FontPath == "" {
		return overlay
	}
	face, err := loadFontFace(cfg.FontPath, cfg.FontSize)
	if err != nil {
		return overlay
	}

	b := overlay.Bounds()
	const stripHeight = 36
	dc := gg.NewContext(b.Dx(), b.Dy()+stripHeight)
	dc.DrawImage(overlay, 0, 0)
	dc.SetRGB(1, 1, 1)
	dc.DrawRectangle(0, float64(b.Dy()), float64(b.Dx()), float64(stripHeight))
	dc.Fill()
	dc.SetFontFace(face)

	baseline := float64(b.Dy()) + 23

	dc.SetRGB(0.86, 0.12, 0.12)
	dc.DrawString("removed", 12, baseline)
	dc.SetRGB(0.12, 0.7, 0.12)
	dc.DrawString("added", 110, baseline)
	dc.SetRGB(0.5, 0.5, 0.5)
	dc.DrawString("unchanged", 190, baseline)

	dc.SetRGB(0, 0, 0)
	label := fmt.Sprintf("%s — %d changed regions", drawingName, changeCount)
	dc.DrawStringAnchored(label, float64(b.Dx())-12, baseline, 1, 0)

	return dc.Image()
}

// loadFontFace parses a TTF file into a renderable font.Face at a fixed DPI.
func loadFontFace(path string, size float64) (font.Face, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read font file: %w", err)
	}
	parsed, err := truetype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse ttf: %w", err)
	}
	return truetype.NewFace(parsed, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	}), nil
}
