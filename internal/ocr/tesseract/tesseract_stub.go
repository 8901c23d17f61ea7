//go:build notesseract

package tesseract

import (
	"context"
	"errors"
)

// ErrEmptyImage is returned for zero-length input.
var ErrEmptyImage = errors.New("empty image")

// ErrUnavailable is returned by every call in builds without tesseract.
var ErrUnavailable = errors.New("built without tesseract support")

type Recognizer struct{}

func New(string) *Recognizer {
	return &Recognizer{}
}

// Available reports false in builds without tesseract.
func Available() (string, bool) {
	return "", false
}

func (r *Recognizer) Recognize(ctx context.Context, image []byte, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(image) == 0 {
		return "", ErrEmptyImage
	}
	return "", ErrUnavailable
}
