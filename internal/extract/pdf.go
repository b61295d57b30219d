package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// PDF extracts the text layer. Layout is lost, so the best grade is medium.
type PDF struct{}

func (PDF) Extract(_ context.Context, data []byte) (res Result, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return Result{}, fmt.Errorf("reading pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return Result{}, fmt.Errorf("reading pdf text: %w", err)
	}
	text := collapseBlankLines(string(b))
	return Result{Text: text, Quality: grade(text, QualityMedium), Pages: r.NumPage()}, nil
}
