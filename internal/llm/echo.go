package llm

import (
	"context"
	"fmt"
	"strings"

	"ragchat/internal/domain"
)

// EchoClient responde sin red: repite el ultimo turno de usuario.
// Sirve para desarrollo local cuando no hay proveedor configurado.
type EchoClient struct {
	Prefix string
}

var _ ChatModel = (*EchoClient)(nil)

func NewEchoClient() *EchoClient {
	return &EchoClient{Prefix: "echo: "}
}

func (c *EchoClient) Generate(ctx context.Context, turns []domain.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.reply(turns), nil
}

func (c *EchoClient) GenerateStream(ctx context.Context, turns []domain.Turn) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.SplitAfter(c.reply(turns), " ")
	return newSliceStream(ctx, words), nil
}

func (c *EchoClient) reply(turns []domain.Turn) string {
	var last string
	var withContext bool
	for _, t := range turns {
		switch t.Role {
		case domain.RoleUser:
			last = t.Content
		case domain.RoleSystem:
			withContext = true
		}
	}
	if withContext {
		return fmt.Sprintf("%s%s (with context)", c.Prefix, last)
	}
	return c.Prefix + last
}
