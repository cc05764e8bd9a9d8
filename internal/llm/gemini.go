package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"ragchat/internal/domain"
)

// GeminiClient implementa ChatModel con la API de Gemini.
type GeminiClient struct {
	client *genai.Client
	model  string
}

var _ ChatModel = (*GeminiClient)(nil)

func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiClient{client: client, model: model}, nil
}

func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// prepare convierte los turnos: los system van a SystemInstruction, el ultimo
// turno de usuario se envia y el resto queda como historial del chat.
func (c *GeminiClient) prepare(turns []domain.Turn) (*genai.ChatSession, genai.Text, error) {
	model := c.client.GenerativeModel(c.model)

	var (
		system  []string
		history []*genai.Content
	)
	for _, t := range turns {
		switch t.Role {
		case domain.RoleSystem:
			system = append(system, t.Content)
		case domain.RoleAssistant:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(t.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(t.Content)}})
		}
	}
	if len(history) == 0 || history[len(history)-1].Role != "user" {
		return nil, "", errors.New("gemini: last turn must be a user turn")
	}
	last := history[len(history)-1]
	history = history[:len(history)-1]

	if len(system) > 0 {
		model.SystemInstruction = genai.NewUserContent(genai.Text(strings.Join(system, "\n\n")))
	}
	cs := model.StartChat()
	cs.History = history
	return cs, last.Parts[0].(genai.Text), nil
}

func (c *GeminiClient) Generate(ctx context.Context, turns []domain.Turn) (string, error) {
	cs, prompt, err := c.prepare(turns)
	if err != nil {
		return "", err
	}
	resp, err := cs.SendMessage(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return "", errors.New("llm empty response")
	}
	return text, nil
}

func (c *GeminiClient) GenerateStream(ctx context.Context, turns []domain.Turn) (Stream, error) {
	cs, prompt, err := c.prepare(turns)
	if err != nil {
		return nil, err
	}
	return &geminiStream{iter: cs.SendMessageStream(ctx, prompt)}, nil
}

type geminiStream struct {
	iter *genai.GenerateContentResponseIterator
	done bool
}

func (s *geminiStream) Recv() (string, error) {
	for !s.done {
		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) {
			s.done = true
			break
		}
		if err != nil {
			return "", fmt.Errorf("gemini stream: %w", err)
		}
		if text := responseText(resp); text != "" {
			return text, nil
		}
	}
	return "", io.EOF
}

// Close marca el stream como terminado; el iterador se libera al cancelar el contexto.
func (s *geminiStream) Close() error {
	s.done = true
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}
