// Package generator holds the content generators used by the scheduler
// engine. Each generator writes one article file into the project's output
// directory and returns its title, body and path.
//
// The project passed to Generate has not yet counted the piece being
// generated, so p.CompletedCount is the content ordinal.
package generator

import (
	"fmt"
	"strings"

	"autopress/internal/config"
	logx "autopress/pkg/logx"
)

// New builds the generator selected by cfg.Kind.
func New(cfg config.GeneratorConfig, log logx.Logger) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "template":
		return NewTemplate(cfg.TemplatePath, log)
	case "llm":
		return NewLLM(cfg.LLM, log)
	default:
		return nil, fmt.Errorf("unknown generator kind %q", cfg.Kind)
	}
}
