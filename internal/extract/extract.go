// Package extract turns uploaded bytes into plain text for ingestion.
package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrUnsupported is returned for content types without an extractor.
var ErrUnsupported = errors.New("unsupported content type")

// Quality grades how trustworthy the extracted text is.
type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

// MinUsefulRunes is the length below which extracted text is graded low.
const MinUsefulRunes = 100

// Result is the output of an extraction.
type Result struct {
	Text    string
	Quality Quality
	Pages   int // PDF only
}

// Extractor converts one family of content types.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (Result, error)
}

// Registry dispatches on the media type of a Content-Type header value.
type Registry struct {
	byType map[string]Extractor
}

// NewRegistry returns a registry with the plain text, HTML and PDF extractors.
func NewRegistry() *Registry {
	r := &Registry{byType: map[string]Extractor{}}
	r.Register(Plain{}, "text/plain", "text/markdown", "text/x-markdown", "message/rfc822", "text/vtt")
	r.Register(HTML{}, "text/html", "application/xhtml+xml")
	r.Register(PDF{}, "application/pdf")
	return r
}

func (r *Registry) Register(e Extractor, mediaTypes ...string) {
	for _, mt := range mediaTypes {
		r.byType[strings.ToLower(mt)] = e
	}
}

// Supports reports whether contentType has an extractor.
func (r *Registry) Supports(contentType string) bool {
	_, err := r.lookup(contentType)
	return err == nil
}

func (r *Registry) lookup(contentType string) (Extractor, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, contentType)
	}
	e, ok := r.byType[mt]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, mt)
	}
	return e, nil
}

// Extract converts data according to contentType.
func (r *Registry) Extract(ctx context.Context, data []byte, contentType string) (Result, error) {
	e, err := r.lookup(contentType)
	if err != nil {
		return Result{}, err
	}
	res, err := e.Extract(ctx, data)
	if err != nil {
		return Result{}, fmt.Errorf("extracting %s: %w", contentType, err)
	}
	return res, nil
}

// grade downgrades base when the text is too short or mostly non-prose.
func grade(text string, base Quality) Quality {
	n := utf8.RuneCountInString(text)
	if n < MinUsefulRunes {
		return QualityLow
	}
	prose := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsDigit(r) {
			prose++
		}
	}
	if float64(prose)/float64(n) < 0.85 {
		return QualityLow
	}
	return base
}

// Plain passes UTF-8 text through. Invalid sequences are replaced.
type Plain struct{}

func (Plain) Extract(_ context.Context, data []byte) (Result, error) {
	text := strings.ToValidUTF8(string(data), "�")
	return Result{Text: text, Quality: grade(text, QualityHigh)}, nil
}
