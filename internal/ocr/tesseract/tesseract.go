//go:build !notesseract

// Package tesseract runs OCR through libtesseract. Build with the
// notesseract tag to produce a binary without the cgo dependency.
package tesseract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// ErrEmptyImage is returned for zero-length input.
var ErrEmptyImage = errors.New("empty image")

// Recognizer implements pipeline.Recognizer. Each call uses its own
// tesseract client, so calls may run concurrently.
type Recognizer struct {
	tessdataPrefix string
}

func New(tessdataPrefix string) *Recognizer {
	return &Recognizer{tessdataPrefix: tessdataPrefix}
}

// Available reports the linked tesseract version.
func Available() (string, bool) {
	return gosseract.Version(), true
}

func (r *Recognizer) Recognize(ctx context.Context, image []byte, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(image) == 0 {
		return "", ErrEmptyImage
	}

	client := gosseract.NewClient()
	defer client.Close()

	if r.tessdataPrefix != "" {
		if err := client.SetTessdataPrefix(r.tessdataPrefix); err != nil {
			return "", fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if language != "" {
		if err := client.SetLanguage(splitLanguages(language)...); err != nil {
			return "", fmt.Errorf("set language %q: %w", language, err)
		}
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return "", fmt.Errorf("load image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("recognize: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// splitLanguages accepts tesseract's "por+eng" form.
func splitLanguages(language string) []string {
	var out []string
	for _, l := range strings.Split(language, "+") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
