package service

import (
	"regexp"
	"strings"
)

var (
	reFenceStart = regexp.MustCompile("(?is)^\\s*```[a-z]*\\s*")
	reFenceEnd   = regexp.MustCompile("(?is)\\s*```\\s*$")
	reThink      = regexp.MustCompile("(?is)<think>.*?</think>")
	reTitleLabel = regexp.MustCompile(`(?i)^\s*(title|titulo|título)\s*[:：]\s*`)
)

// cleanModelTitle deja solo el titulo: sin razonamiento <think>, fences, BOM
// ni etiqueta "Title:". Se queda con la primera linea no vacia.
func cleanModelTitle(raw string) string {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "\uFEFF")
	s = reThink.ReplaceAllString(s, "")
	s = reFenceStart.ReplaceAllString(s, "")
	s = reFenceEnd.ReplaceAllString(s, "")
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return reTitleLabel.ReplaceAllString(line, "")
		}
	}
	return ""
}
