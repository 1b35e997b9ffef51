// Package diffw implements the Diff Worker: align a matched pair of
// rasterized pages, compose a three-color change overlay, and report a
// coarse change count plus an alignment quality score.
package diffw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/disintegration/imaging"

	busx "github.com/buildtrace/core/internal/bus"
	"github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/observability"
	"github.com/buildtrace/core/internal/platform/logger"
	"github.com/buildtrace/core/internal/storage"
)

// Config tunes the ink threshold, the search window used for
// translation-based alignment, the minimum alignment score, and the legend.
// The overlay canvas always takes the revised page's size.
type Config struct {
	QueueGroup    string
	InkThreshold  uint8
	SearchWindow  int
	MinAlignScore float64
	Legend        LegendConfig
}

func DefaultConfig() Config {
	return Config{
		QueueGroup:    "diff-worker",
		InkThreshold:  200,
		SearchWindow:  24,
		MinAlignScore: 0.08,
		Legend:        DefaultLegendConfig(),
	}
}

type Worker struct {
	store storage.Store
	bus   busx.Bus
	cfg   Config
	log   *logger.Logger
}

func New(store storage.Store, bus busx.Bus, log *logger.Logger, cfg Config) *Worker {
	return &Worker{store: store, bus: bus, cfg: cfg, log: log.With("component", "diffw.Worker")}
}

func (w *Worker) Run(ctx context.Context) error {
	return w.bus.Subscribe(ctx, busx.SubjectDiffTask, w.cfg.QueueGroup, w.handle)
}

func (w *Worker) handle(ctx context.Context, env busx.Envelope) error {
	var payload busx.DiffTaskPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("diff worker: decode payload: %w", err)
	}

	ctx, span := observability.StartStageSpan(ctx, "diff_worker.process", env.JobID.String(), string(env.Kind), payload.DrawingName)
	outputs, errKind, errMsg := w.process(ctx, env.JobID.String(), payload)

	status := domain.PageTaskSucceeded
	var spanErr error
	if errKind != "" {
		status = domain.PageTaskFailed
		spanErr = fmt.Errorf("%s: %s", errKind, errMsg)
	}
	observability.EndSpan(span, spanErr)

	completion := busx.CompletionPayload{
		Status:       status,
		ErrorKind:    errKind,
		ErrorMessage: errMsg,
		Outputs:      outputs,
	}
	return w.publishCompletion(ctx, env, completion)
}

func (w *Worker) process(ctx context.Context, jobID string, payload busx.DiffTaskPayload) (map[string]any, domain.ErrorKind, string) {
	oldImg, err := w.fetchImage(ctx, payload.OldPageResultRef)
	if err != nil {
		return nil, domain.ErrorKindOverlayIO, fmt.Sprintf("load baseline: %v", err)
	}
	newImg, err := w.fetchImage(ctx, payload.NewPageResultRef)
	if err != nil {
		return nil, domain.ErrorKindOverlayIO, fmt.Sprintf("load revised: %v", err)
	}

	canvas := newImg.Bounds()
	oldAligned := imaging.Resize(oldImg, canvas.Dx(), canvas.Dy(), imaging.Lanczos)

	dx, dy, score := w.estimateTranslation(oldAligned, newImg)
	if score < w.cfg.MinAlignScore {
		return nil, domain.ErrorKindAlignmentFailed, fmt.Sprintf("insufficient features to align (score=%.3f)", score)
	}
	warped := imaging.Paste(imaging.New(canvas.Dx(), canvas.Dy(), color.White), oldAligned, image.Pt(dx, dy))

	overlay, changeCount := w.composeOverlay(warped, newImg)
	overlay = annotate(overlay, w.cfg.Legend, payload.DrawingName, changeCount)

	var buf bytes.Buffer
	if err := png.Encode(&buf, overlay); err != nil {
		return nil, domain.ErrorKindOverlayIO, fmt.Sprintf("encode overlay: %v", err)
	}
	overlayKey := w.store.OverlayKey(jobID, payload.DrawingName)
	overlayRef, err := w.store.Put(ctx, overlayKey, &buf, "image/png")
	if err != nil {
		return nil, domain.ErrorKindOverlayIO, fmt.Sprintf("upload overlay: %v", err)
	}

	return map[string]any{
		"overlay_ref":     overlayRef,
		"alignment_score": score,
		"change_detected": changeCount > 0,
		"change_count":    changeCount,
	}, "", ""
}

func (w *Worker) fetchImage(ctx context.Context, ref string) (image.Image, error) {
	rc, err := w.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}

// estimateTranslation performs a bounded search over integer pixel shifts of
// the boolean ink masks, scoring each shift by intersection over union. Scanned drawing
// sheets of the same title block are offset, not rotated or scaled, so a
// translation-only search covers the alignment the overlay needs.
// Returns the best (dx, dy) shift and its 0..1 overlap score, used as
// alignment_score and as the alignment-failure gate.
func (w *Worker) estimateTranslation(old, new_ image.Image) (dx, dy int, score float64) {
	oldMask := inkMask(old, w.cfg.InkThreshold)
	newMask := inkMask(new_, w.cfg.InkThreshold)

	window := w.cfg.SearchWindow
	if window <= 0 {
		window = 24
	}

	bestScore := -1.0
	bestDX, bestDY := 0, 0
	for sy := -window; sy <= window; sy += 4 {
		for sx := -window; sx <= window; sx += 4 {
			s := correlateShifted(oldMask, newMask, sx, sy)
			if s > bestScore {
				bestScore = s
				bestDX, bestDY = sx, sy
			}
		}
	}
	// refine around the coarse best at single-pixel resolution
	for sy := bestDY - 3; sy <= bestDY+3; sy++ {
		for sx := bestDX - 3; sx <= bestDX+3; sx++ {
			s := correlateShifted(oldMask, newMask, sx, sy)
			if s > bestScore {
				bestScore = s
				bestDX, bestDY = sx, sy
			}
		}
	}
	if bestScore < 0 {
		bestScore = 0
	}
	return bestDX, bestDY, bestScore
}

// inkMask reports, per pixel, whether it is darker than threshold (ink on a
// typically white CAD background).
func inkMask(img image.Image, threshold uint8) [][]bool {
	b := img.Bounds()
	mask := make([][]bool, b.Dy())
	for y := 0; y < b.Dy(); y++ {
		row := make([]bool, b.Dx())
		for x := 0; x < b.Dx(); x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			row[x] = g.Y < threshold
		}
		mask[y] = row
	}
	return mask
}

func correlateShifted(a, b [][]bool, sx, sy int) float64 {
	h := len(a)
	if h == 0 || len(b) == 0 {
		return 0
	}
	w := len(a[0])

	var inter, union int
	for y := 0; y < h; y++ {
		by := y + sy
		if by < 0 || by >= len(b) {
			continue
		}
		for x := 0; x < w; x++ {
			bx := x + sx
			if bx < 0 || bx >= len(b[by]) {
				continue
			}
			av := a[y][x]
			bv := b[by][bx]
			if av || bv {
				union++
				if av && bv {
					inter++
				}
			}
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// composeOverlay renders the three-color change map: pure-red for
// baseline-only ink, pure-green for revised-only ink, gray for common ink,
// white elsewhere. changeCount is a coarse heuristic: the number of 16x16
// grid cells containing at least one added or removed ink pixel.
func (w *Worker) composeOverlay(baseline, revised image.Image) (image.Image, int) {
	oldMask := inkMask(baseline, w.cfg.InkThreshold)
	newMask := inkMask(revised, w.cfg.InkThreshold)

	b := revised.Bounds()
	out := image.NewRGBA(b)
	const cell = 16
	changedCells := map[[2]int]bool{}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			oldInk := y < len(oldMask) && x < len(oldMask[y]) && oldMask[y][x]
			newInk := y < len(newMask) && x < len(newMask[y]) && newMask[y][x]

			var c color.RGBA
			switch {
			case oldInk && newInk:
				c = color.RGBA{128, 128, 128, 255}
			case oldInk && !newInk:
				c = color.RGBA{220, 30, 30, 255}
				changedCells[[2]int{x / cell, y / cell}] = true
			case !oldInk && newInk:
				c = color.RGBA{30, 180, 30, 255}
				changedCells[[2]int{x / cell, y / cell}] = true
			default:
				c = color.RGBA{255, 255, 255, 255}
			}
			out.Set(b.Min.X+x, b.Min.Y+y, c)
		}
	}
	return out, len(changedCells)
}

func (w *Worker) publishCompletion(ctx context.Context, env busx.Envelope, payload busx.CompletionPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("diff worker: encode completion: %w", err)
	}
	out := busx.Envelope{
		Version:    busx.EnvelopeVersion,
		MessageID:  env.MessageID,
		PageTaskID: env.PageTaskID,
		JobID:      env.JobID,
		Kind:       env.Kind,
		Payload:    body,
	}
	return w.bus.Publish(ctx, busx.SubjectCompletion, out)
}
