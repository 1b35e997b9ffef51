package gcp

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/buildtrace/core/internal/platform/ctxutil"
	"github.com/buildtrace/core/internal/platform/logger"
)

// Vision is the per-page OCR contract the OCR Worker depends on: a single
// synchronous call per page. There is no batch path; the worker dispatches
// one page per message.
type Vision interface {
	OCRImageBytes(ctx context.Context, img []byte, mimeType string) (*VisionOCRResult, error)
	Close() error
}

// VisionOCRResult is the per-page text extraction plus a best-effort
// drawing-name guess, used to populate PageResult.
type VisionOCRResult struct {
	Provider    string  `json:"provider"`
	MimeType    string  `json:"mime_type,omitempty"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	DrawingName string  `json:"drawing_name,omitempty"`
}

type visionService struct {
	log    *logger.Logger
	client *vision.ImageAnnotatorClient
}

func NewVision(log *logger.Logger) (Vision, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.Vision")

	ctx := context.Background()
	opts := ClientOptionsFromEnv()
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}

	return &visionService{log: slog, client: client}, nil
}

func (s *visionService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// OCRImageBytes runs DOCUMENT_TEXT_DETECTION over one rasterized page image
// and extracts a drawing-name guess from the sheet's title block text
//.
func (s *visionService) OCRImageBytes(ctx context.Context, img []byte, mimeType string) (*VisionOCRResult, error) {
	if len(img) == 0 {
		return &VisionOCRResult{Provider: "gcp_vision", MimeType: mimeType}, nil
	}

	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req := &visionpb.AnnotateImageRequest{
		Image: &visionpb.Image{Content: img},
		Features: []*visionpb.Feature{
			{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
		},
	}
	br := &visionpb.BatchAnnotateImagesRequest{Requests: []*visionpb.AnnotateImageRequest{req}}
	resp, err := s.client.BatchAnnotateImages(ctx, br)
	if err != nil {
		return nil, fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return &VisionOCRResult{Provider: "gcp_vision", MimeType: mimeType}, nil
	}

	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return nil, fmt.Errorf("vision annotate error: %s", r0.Error.Message)
	}

	fta := r0.FullTextAnnotation
	if fta == nil || strings.TrimSpace(fta.Text) == "" {
		return &VisionOCRResult{Provider: "gcp_vision", MimeType: mimeType}, nil
	}

	text := collapseWhitespace(fta.Text)
	conf := avgPageConfidence(fta.Pages)

	return &VisionOCRResult{
		Provider:    "gcp_vision",
		MimeType:    mimeType,
		Text:        text,
		Confidence:  conf,
		DrawingName: guessDrawingName(fta.Text),
	}, nil
}

func avgPageConfidence(pages []*visionpb.Page) float64 {
	if len(pages) == 0 {
		return 0
	}
	var sum float64
	n := 0
	for _, pg := range pages {
		if pg == nil {
			continue
		}
		for _, b := range pg.Blocks {
			if b != nil && b.Confidence > 0 {
				sum += float64(b.Confidence)
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// sheetNumberPattern matches common architectural/MEP sheet labels
// (e.g. "A-101", "S201", "M-3.02") as they typically appear in a title block.
var sheetNumberPattern = regexp.MustCompile(`\b([A-Z]{1,2}-?\d{1,4}(?:\.\d{1,2})?)\b`)

// guessDrawingName extracts the first sheet-number-looking token from OCR
// text, used by the Pairing Resolver to key pages across drawing versions
//. Returns "" when nothing matches; such pages surface as unmatched.
func guessDrawingName(text string) string {
	lines := strings.Split(text, "\n")
	limit := len(lines)
	if limit > 40 {
		limit = 40
	}
	for _, line := range lines[:limit] {
		if m := sheetNumberPattern.FindString(line); m != "" {
			return strings.ToUpper(m)
		}
	}
	return ""
}
