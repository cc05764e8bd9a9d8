package service

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"ragchat/internal/domain"
)

// Measurer calcula el tamaño serializado de un contexto.
type Measurer interface {
	Measure(text string) int
}

// RuneMeasurer mide en caracteres.
type RuneMeasurer struct{}

func (RuneMeasurer) Measure(text string) int {
	return utf8.RuneCountInString(text)
}

// TokenMeasurer mide en tokens con tiktoken.
type TokenMeasurer struct {
	enc *tiktoken.Tiktoken
}

var offlineBpe sync.Once

// NewTokenMeasurer usa los diccionarios BPE embebidos; no descarga nada.
func NewTokenMeasurer(encoding string) (*TokenMeasurer, error) {
	offlineBpe.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tiktoken encoding %q: %w", encoding, err)
	}
	return &TokenMeasurer{enc: enc}, nil
}

func (m *TokenMeasurer) Measure(text string) int {
	return len(m.enc.Encode(text, nil, nil))
}

func measureTurns(m Measurer, turns []domain.Turn) int {
	total := 0
	for _, t := range turns {
		total += m.Measure(t.Content)
	}
	return total
}
