package service

import (
	"sort"

	"ragchat/internal/config"
	"ragchat/internal/domain"
)

// ContextBuilder arma la ventana de contexto para el modelo.
//
// Orden de recorte: primero por cantidad (maxCount turnos previos), luego cada
// turno se corta a maxLength y finalmente se descartan los mas antiguos hasta
// entrar en el presupuesto. El bloque RAG y el turno actual siempre quedan,
// recortados si hace falta para que el total no supere el presupuesto.
type ContextBuilder struct {
	maxCount  int
	maxLength int
	budget    int
	measurer  Measurer
}

func NewContextBuilder(cfg *config.Config, measurer Measurer) *ContextBuilder {
	if measurer == nil {
		measurer = RuneMeasurer{}
	}
	return &ContextBuilder{
		maxCount:  cfg.MaxMessagesCount,
		maxLength: cfg.MaxMessagesLength,
		budget:    cfg.ContextBudget,
		measurer:  measurer,
	}
}

// Build recibe el historial previo (sin el mensaje actual) y devuelve los turnos
// a enviar: historial recortado, entrada system con RAG si hay, y el usuario al final.
func (b *ContextBuilder) Build(history []domain.Message, ragPrompt, current string) []domain.Turn {
	sorted := append([]domain.Message(nil), history...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	turns := make([]domain.Turn, 0, len(sorted)+2)
	for _, m := range sorted {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		turns = append(turns, domain.Turn{Role: m.Role, Content: truncateRunes(m.Content, b.maxLength)})
	}
	if len(turns) > b.maxCount {
		turns = turns[len(turns)-b.maxCount:]
	}

	current = truncateRunes(current, b.maxLength)
	// en tokens maxLength no acota la medida; solo se corta la copia enviada al modelo
	current = fitText(b.measurer, current, b.budget)
	remaining := b.budget - b.measurer.Measure(current)
	if ragPrompt != "" {
		ragPrompt = fitText(b.measurer, ragPrompt, remaining)
		remaining -= b.measurer.Measure(ragPrompt)
	}

	used := measureTurns(b.measurer, turns)
	for len(turns) > 0 && used > remaining {
		used -= b.measurer.Measure(turns[0].Content)
		turns = turns[1:]
	}

	if ragPrompt != "" {
		turns = append(turns, domain.Turn{Role: domain.RoleSystem, Content: ragPrompt})
	}
	return append(turns, domain.Turn{Role: domain.RoleUser, Content: current})
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// fitText devuelve el prefijo mas largo de text cuya medida no supera limit.
func fitText(m Measurer, text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if m.Measure(text) <= limit {
		return text
	}
	r := []rune(text)
	lo, hi := 0, len(r)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if m.Measure(string(r[:mid])) <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(r[:lo])
}
