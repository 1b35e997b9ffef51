// Package pageextract implements the page extractor:
// given an uploaded PDF, it determines the page count that
// seeds a DrawingVersion's OCR fan-out. It is the one place in this module
// that reads PDF structure directly rather than rasterized bytes — the
// actual per-page comparable-pages decision (matching by drawing name) is
// the Pairing Resolver's job once OCR has run (internal/orchestrator/pairing.go).
package pageextract

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// CountPages returns the number of pages in a PDF's raw bytes, grounded on
// pdfcpu's streaming PageCount (no full parse/render needed just to size the
// OCR fan-out).
func CountPages(pdfBytes []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(pdfBytes), nil)
	if err != nil {
		return 0, fmt.Errorf("pageextract: count pages: %w", err)
	}
	return n, nil
}

// CountPagesFrom is the io.Reader-accepting variant, for callers streaming
// the PDF directly out of object storage without buffering it in memory
// first.
func CountPagesFrom(r io.ReadSeeker) (int, error) {
	n, err := api.PageCount(r, nil)
	if err != nil {
		return 0, fmt.Errorf("pageextract: count pages: %w", err)
	}
	return n, nil
}
