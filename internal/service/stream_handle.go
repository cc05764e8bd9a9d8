package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ragchat/internal/domain"
	"ragchat/internal/llm"
)

// SourcesSentinel precede al marco JSON con las fuentes al inicio del stream.
const SourcesSentinel = "[[RAG_SOURCES]]"

const persistTimeout = 5 * time.Second

type sourcesFrame struct {
	Type    string             `json:"type"`
	Sources []domain.RagSource `json:"sources"`
}

// EncodeSourcesFrame arma el primer fragmento del stream cuando hay fuentes.
func EncodeSourcesFrame(sources []domain.RagSource) (string, error) {
	b, err := json.Marshal(sourcesFrame{Type: "rag_sources", Sources: publicSources(sources)})
	if err != nil {
		return "", err
	}
	return SourcesSentinel + string(b) + "\n", nil
}

// ParseSourcesFrame separa el marco de fuentes del texto que lo sigue.
// ok es false si chunk no empieza con el centinela.
func ParseSourcesFrame(chunk string) (sources []domain.RagSource, rest string, ok bool, err error) {
	if !strings.HasPrefix(chunk, SourcesSentinel) {
		return nil, chunk, false, nil
	}
	body := strings.TrimPrefix(chunk, SourcesSentinel)
	line, rest, _ := strings.Cut(body, "\n")
	var frame sourcesFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return nil, chunk, true, fmt.Errorf("decode sources frame: %w", err)
	}
	return frame.Sources, rest, true, nil
}

// StreamHandle entrega los fragmentos de una respuesta en curso. La respuesta
// se guarda una sola vez: completa al llegar a io.EOF, parcial si el stream se
// corta o se llama Close antes. Close siempre debe llamarse.
type StreamHandle struct {
	svc           *ChatService
	ctx           context.Context
	cancel        context.CancelFunc
	unlock        func()
	stream        llm.Stream
	model         llm.ChatModel
	session       domain.Session
	userMsg       domain.Message
	sources       []domain.RagSource
	firstExchange bool
	started       time.Time

	mu        sync.Mutex
	frameSent bool
	buf       strings.Builder
	finished  bool
	finishErr error
	message   *domain.Message
}

// Sources devuelve las fuentes usadas, sin el texto completo de los chunks.
func (h *StreamHandle) Sources() []domain.RagSource {
	return publicSources(h.sources)
}

// Next devuelve el siguiente fragmento. El primero es el marco de fuentes si las
// hay. Devuelve io.EOF cuando la respuesta termino y quedo guardada.
func (h *StreamHandle) Next() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		if h.finishErr != nil {
			return "", h.finishErr
		}
		return "", io.EOF
	}

	if !h.frameSent {
		h.frameSent = true
		if len(h.sources) > 0 {
			frame, err := EncodeSourcesFrame(h.sources)
			if err == nil {
				return frame, nil
			}
			h.svc.logger.Warn("encode sources frame", zap.String("session_id", h.session.ID), zap.Error(err))
		}
	}

	fragment, err := h.stream.Recv()
	if err == nil {
		h.buf.WriteString(fragment)
		return fragment, nil
	}

	if errors.Is(err, io.EOF) {
		h.finishLocked(domain.MessageComplete, "ok")
		if h.finishErr != nil {
			return "", h.finishErr
		}
		return "", io.EOF
	}

	if h.ctx.Err() != nil {
		h.svc.metrics.StreamCancelled()
		h.finishLocked(domain.MessagePartial, "cancelled")
		return "", h.ctx.Err()
	}

	h.svc.logger.Error("stream interrupted",
		zap.String("session_id", h.session.ID),
		zap.String("bot", h.session.BotName),
		zap.Int("received_chars", h.buf.Len()),
		zap.Error(err),
	)
	h.finishLocked(domain.MessagePartial, "backend_error")
	if h.finishErr != nil {
		return "", errors.Join(fmt.Errorf("%w: stream: %w", domain.ErrBackendUnavailable, err), h.finishErr)
	}
	return "", fmt.Errorf("%w: stream: %w", domain.ErrBackendUnavailable, err)
}

// Close corta el stream si sigue abierto, guarda lo recibido como parcial y
// libera la sesion. Se puede llamar varias veces.
func (h *StreamHandle) Close() error {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.finished {
		h.svc.metrics.StreamCancelled()
		h.finishLocked(domain.MessagePartial, "cancelled")
	}
	return h.finishErr
}

// Message devuelve el mensaje guardado, o nil si no se guardo nada.
func (h *StreamHandle) Message() *domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.message
}

func (h *StreamHandle) finishLocked(status domain.MessageStatus, outcome string) {
	h.finished = true
	defer h.unlock()
	defer h.cancel()

	if err := h.stream.Close(); err != nil {
		h.svc.logger.Debug("close model stream", zap.Error(err))
	}
	h.svc.metrics.ObserveGeneration(h.session.BotName, "stream", time.Since(h.started))
	h.svc.metrics.ChatRequest("stream", outcome)

	text := h.buf.String()
	if text == "" {
		return
	}

	// el pedido pudo haberse cancelado; la persistencia no depende de el
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), persistTimeout)
	defer cancel()

	msg := domain.Message{
		ID:            uuid.NewString(),
		SessionID:     h.session.ID,
		Role:          domain.RoleAssistant,
		Content:       text,
		RagEnabled:    h.userMsg.RagEnabled,
		StreamEnabled: true,
		Status:        status,
		Sources:       publicSources(h.sources),
		CreatedAt:     nextTimestamp(h.svc.now, h.userMsg.CreatedAt),
	}
	if err := h.svc.messages.AppendMessage(ctx, msg); err != nil {
		h.finishErr = storageErr("append assistant message", err)
		h.svc.logger.Error("persist streamed reply", zap.String("session_id", h.session.ID), zap.Error(err))
		return
	}
	h.message = &msg
	if status == domain.MessagePartial {
		h.svc.logger.Info("partial reply stored", zap.String("session_id", h.session.ID), zap.Int("chars", len(text)))
	}
	if h.firstExchange {
		h.svc.autoName(ctx, h.session, h.model, h.userMsg.Content)
	}
}
