package core

import (
	"context"
)

// Logger interface - minimal structured logging interface shared by every
// component. Implementations must be safe for concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ChatCompleter is the narrow capability the AI analyzer needs from an LLM
// client: one prompt in, one text completion out. Concrete clients (see
// ai/openai) are wired at composition time.
type ChatCompleter interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// AIAnalyzer turns request events into threat verdicts by consulting an LLM.
// Implementations never propagate transport or parse failures: a failed batch
// analysis yields an empty slice and a failed single analysis yields Safe.
type AIAnalyzer interface {
	Analyze(ctx context.Context, events []RequestEvent, analysisContext string) []ThreatVerdict
	AnalyzeSingle(ctx context.Context, event RequestEvent, question string) ThreatVerdict
	Available() bool
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
