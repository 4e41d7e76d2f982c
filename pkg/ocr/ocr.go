// Package ocr defines collabnote's text-extraction contract for
// staged file uploads. Optical character recognition itself is out of
// scope for this module (spec.md §1); Extractor exists so the router
// has something real to call and a caller can swap in an actual OCR
// backend without touching handler code.
package ocr

import (
	"context"
	"fmt"
	"os"
)

// Extractor turns the bytes of a staged upload into text. Grounded on
// original_source/OCRManager.ExtractText's text→text contract.
type Extractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

// PlainTextExtractor is the default, dependency-light Extractor: it
// reads the staged file as UTF-8 text. Swapping in a real OCR backend
// means implementing Extractor against an image/PDF library and
// wiring it in place of this type.
type PlainTextExtractor struct{}

func (PlainTextExtractor) ExtractText(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("ocr: read %s: %w", path, err)
	}
	return string(data), nil
}
