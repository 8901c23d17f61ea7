package mock

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrUnreadable is returned by Recognizer on its scheduled failures.
var ErrUnreadable = errors.New("mock ocr: image unreadable")

var receiptTexts = []string{
	"SUPERMERCADO BOM PRECO\nTOTAL R$ 87,40\nPIX",
	"PADARIA CENTRAL\n2x PAO FRANCES 1,50\nTOTAL R$ 3,00",
	"POSTO IPIRANGA\nGASOLINA 32,1L\nTOTAL R$ 190,00",
}

// Recognizer returns canned receipt text. Every FailEvery-th call fails;
// 0 never fails.
type Recognizer struct {
	FailEvery int
	calls     atomic.Int64
}

func (r *Recognizer) Recognize(ctx context.Context, image []byte, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n := r.calls.Add(1)
	if r.FailEvery > 0 && n%int64(r.FailEvery) == 0 {
		return "", ErrUnreadable
	}
	return receiptTexts[int(n-1)%len(receiptTexts)], nil
}
