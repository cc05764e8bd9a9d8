package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"ragchat/internal/domain"
	"ragchat/internal/llm"
)

const defaultSessionName = "New chat"

// DeriveSessionName quita puntuacion, colapsa espacios y corta en maxLen runas.
func DeriveSessionName(content string, maxLen int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsControl(r) {
			return ' '
		}
		return r
	}, content)
	name := strings.Join(strings.Fields(cleaned), " ")
	name = strings.TrimSpace(truncateRunes(name, maxLen))
	if name == "" {
		return defaultSessionName
	}
	return name
}

// SessionNamer decide el nombre de una sesion a partir del primer mensaje.
type SessionNamer interface {
	Name(ctx context.Context, model llm.ChatModel, content string) string
}

type prefixNamer struct {
	maxLen int
}

func NewPrefixNamer(maxLen int) SessionNamer {
	if maxLen <= 0 {
		maxLen = 50
	}
	return prefixNamer{maxLen: maxLen}
}

func (n prefixNamer) Name(_ context.Context, _ llm.ChatModel, content string) string {
	return DeriveSessionName(content, n.maxLen)
}

// modelNamer le pide un titulo corto al bot; si falla usa el prefijo.
type modelNamer struct {
	maxLen  int
	timeout time.Duration
}

func NewModelNamer(maxLen int) SessionNamer {
	if maxLen <= 0 {
		maxLen = 50
	}
	return modelNamer{maxLen: maxLen, timeout: 5 * time.Second}
}

func (n modelNamer) Name(ctx context.Context, model llm.ChatModel, content string) string {
	fallback := DeriveSessionName(content, n.maxLen)
	if model == nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	turns := []domain.Turn{
		{Role: domain.RoleSystem, Content: fmt.Sprintf("Write a concise title of at most %d characters for a conversation that starts with the next message. Reply with the title only.", n.maxLen)},
		{Role: domain.RoleUser, Content: truncateRunes(content, 200)},
	}
	title, err := model.Generate(ctx, turns)
	if err != nil {
		return fallback
	}
	name := DeriveSessionName(cleanModelTitle(title), n.maxLen)
	if name == defaultSessionName {
		return fallback
	}
	return name
}
