package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"ragchat/internal/config"
	"ragchat/internal/domain"
)

// Registry resuelve bots por nombre. Agregar un bot es registrar una implementacion.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ChatModel
	infos  map[string]domain.BotInfo
}

func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]ChatModel),
		infos:  make(map[string]domain.BotInfo),
	}
}

func (r *Registry) Register(info domain.BotInfo, model ChatModel) error {
	if info.Name == "" || model == nil {
		return fmt.Errorf("%w: bot needs a name and a model", domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[info.Name]; ok {
		return fmt.Errorf("%w: bot %q already registered", domain.ErrConflict, info.Name)
	}
	r.models[info.Name] = model
	r.infos[info.Name] = info
	return nil
}

func (r *Registry) Get(name string) (ChatModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownBot, name)
	}
	return m, nil
}

func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// List ordena por familia y nombre.
func (r *Registry) List() []domain.BotInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.BotInfo, 0, len(r.infos))
	for _, info := range r.infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Close libera los adaptadores que mantienen conexiones (gemini usa gRPC).
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, m := range r.models {
		if c, ok := m.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close bot %q: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// BuildRegistry crea los adaptadores declarados en el archivo de bots.
func BuildRegistry(ctx context.Context, bots []config.BotConfig, logger *zap.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, b := range bots {
		model, err := newModel(ctx, b, logger)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("bot %q: %w", b.Name, err)
		}
		info := domain.BotInfo{Family: b.Family, Name: b.Name, Desc: b.Desc}
		if err := reg.Register(info, model); err != nil {
			if c, ok := model.(io.Closer); ok {
				_ = c.Close()
			}
			_ = reg.Close()
			return nil, err
		}
		logger.Info("bot registered", zap.String("bot", b.Name), zap.String("provider", b.Provider))
	}
	return reg, nil
}

func newModel(ctx context.Context, b config.BotConfig, logger *zap.Logger) (ChatModel, error) {
	switch b.Provider {
	case "openai", "deepseek", "qwen":
		return NewOpenAIClient(b.APIKey(), b.BaseURL, b.Model, logger.With(zap.String("bot", b.Name))), nil
	case "gemini":
		return NewGeminiClient(ctx, b.APIKey(), b.Model)
	case "echo", "":
		return NewEchoClient(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", b.Provider)
	}
}
