package llm

import (
	"context"

	"ragchat/internal/domain"
)

// ChatModel es el puerto de modelo: una instancia por bot registrado.
type ChatModel interface {
	Generate(ctx context.Context, turns []domain.Turn) (string, error)
	GenerateStream(ctx context.Context, turns []domain.Turn) (Stream, error)
}

// Stream entrega fragmentos de texto hasta io.EOF. No se puede reiniciar.
type Stream interface {
	Recv() (string, error)
	Close() error
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
