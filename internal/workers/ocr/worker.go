// Package ocr implements the OCR Worker: rasterize one PDF page,
// upload the PNG, and extract a best-effort drawing name via the configured
// vision extractor. The worker never touches the relational store; it is a
// pure function of (bus task payload) -> (bus completion payload).
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sony/gobreaker"

	busx "github.com/buildtrace/core/internal/bus"
	"github.com/buildtrace/core/internal/clients/gcp"
	"github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/observability"
	"github.com/buildtrace/core/internal/platform/logger"
	"github.com/buildtrace/core/internal/storage"

	fitz "github.com/gen2brain/go-fitz"
)

// Config tunes rasterization and the extractor's retry/circuit-breaking
// envelope.
type Config struct {
	QueueGroup    string
	DPI           float64
	RetryAttempts uint
	RetryDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueGroup:    "ocr-worker",
		DPI:           300,
		RetryAttempts: 3,
		RetryDelay:    500 * time.Millisecond,
	}
}

// Worker consumes SubjectOCRTask envelopes and publishes completions.
type Worker struct {
	store   storage.Store
	vision  gcp.Vision
	bus     busx.Bus
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	log     *logger.Logger
}

func New(store storage.Store, vision gcp.Vision, bus busx.Bus, log *logger.Logger, cfg Config) *Worker {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ocr-extractor",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Worker{
		store:   store,
		vision:  vision,
		bus:     bus,
		breaker: breaker,
		cfg:     cfg,
		log:     log.With("component", "ocr.Worker"),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	return w.bus.Subscribe(ctx, busx.SubjectOCRTask, w.cfg.QueueGroup, w.handle)
}

func (w *Worker) handle(ctx context.Context, env busx.Envelope) error {
	var payload busx.OCRTaskPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("ocr worker: decode payload: %w", err)
	}

	ctx, span := observability.StartStageSpan(ctx, "ocr_worker.process", env.JobID.String(), string(env.Kind), "")
	outputs, errKind, errMsg := w.process(ctx, payload)

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

// process runs the rasterize -> upload -> extract pipeline. A non-empty
// ErrorKind return means the task failed; outputs is populated on success
// (including the completed-but-empty-drawing-name case, which is not an
// error; such pages simply never pair).
func (w *Worker) process(ctx context.Context, payload busx.OCRTaskPayload) (map[string]any, domain.ErrorKind, string) {
	raw, err := w.fetchPDF(ctx, payload.StorageRef)
	if err != nil {
		return nil, domain.ErrorKindRasterization, err.Error()
	}

	pageImage, err := w.rasterizePage(raw, payload.PageIndex)
	if err != nil {
		return nil, domain.ErrorKindRasterization, err.Error()
	}

	imageKey := w.store.PageImageKey(payload.DrawingVersionID.String(), payload.PageIndex)
	imageRef, err := w.store.Put(ctx, imageKey, bytes.NewReader(pageImage), "image/png")
	if err != nil {
		return nil, domain.ErrorKindRasterization, fmt.Sprintf("upload page image: %v", err)
	}

	result, err := w.extractText(ctx, pageImage)
	if err != nil {
		return nil, domain.ErrorKindExtractorUnavail, err.Error()
	}

	outputs := map[string]any{
		"image_ref": imageRef,
		"text":      result.Text,
		"metadata": map[string]any{
			"provider":   result.Provider,
			"confidence": result.Confidence,
		},
	}
	if result.DrawingName != "" {
		outputs["drawing_name"] = result.DrawingName
	}
	return outputs, "", ""
}

func (w *Worker) fetchPDF(ctx context.Context, ref string) ([]byte, error) {
	rc, err := w.store.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch pdf %q: %w", ref, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read pdf %q: %w", ref, err)
	}
	return data, nil
}

// rasterizePage renders pageIndex (0-based) of the PDF at the configured DPI
// and encodes it as PNG bytes via go-fitz's in-memory decode path.
func (w *Worker) rasterizePage(pdfBytes []byte, pageIndex int) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfBytes)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	if pageIndex < 0 || pageIndex >= doc.NumPage() {
		return nil, fmt.Errorf("page index %d out of range (0..%d)", pageIndex, doc.NumPage()-1)
	}

	dpi := w.cfg.DPI
	if dpi <= 0 {
		dpi = 300
	}
	img, err := doc.ImageDPI(pageIndex, dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", pageIndex, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode page %d png: %w", pageIndex, err)
	}
	return buf.Bytes(), nil
}

// extractText wraps the configured Vision extractor in a bounded retry and a
// circuit breaker: transient extractor faults retry with backoff, but a
// tripped breaker fails fast rather than piling up blocked workers.
func (w *Worker) extractText(ctx context.Context, img []byte) (*gcp.VisionOCRResult, error) {
	var result *gcp.VisionOCRResult
	op := func() error {
		v, err := w.breaker.Execute(func() (interface{}, error) {
			return w.vision.OCRImageBytes(ctx, img, "image/png")
		})
		if err != nil {
			return err
		}
		result = v.(*gcp.VisionOCRResult)
		return nil
	}

	err := retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(w.cfg.RetryAttempts),
		retry.Delay(w.cfg.RetryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (w *Worker) publishCompletion(ctx context.Context, env busx.Envelope, payload busx.CompletionPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ocr worker: encode completion: %w", err)
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
