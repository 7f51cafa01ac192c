// Package ai turns batches of request events into threat verdicts by
// prompting a chat completion endpoint. The transport lives behind the
// narrow core.ChatCompleter capability; ai/openai provides the default
// implementation.
package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sentinai/sentinai-go/core"
)

const analyzerID = "ai-analyzer"

// aiBlockSeconds is how long AI-issued blocks last
const aiBlockSeconds = 1800

// callTimeout bounds a single completion call. Analysis runs on the async
// worker, so a slow provider costs a worker slot, never a request.
const callTimeout = 10 * time.Second

// Analyzer implements core.AIAnalyzer over a chat completion client.
// A nil client is valid and makes the analyzer permanently unavailable;
// modules then fall back to their rule-based checks.
type Analyzer struct {
	client core.ChatCompleter
	logger core.Logger
}

// NewAnalyzer creates the analyzer. Pass a nil client to disable AI.
func NewAnalyzer(client core.ChatCompleter, logger core.Logger) *Analyzer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	a := &Analyzer{client: client, logger: logger}
	if a.Available() {
		logger.Info("AI analyzer initialized", nil)
	} else {
		logger.Warn("AI analyzer not available, modules fall back to rule-based analysis", nil)
	}
	return a
}

// Available reports whether a chat client is wired in
func (a *Analyzer) Available() bool {
	return a.client != nil
}

// Analyze sends a batch of events to the model and parses its verdicts.
// Any transport or parse failure yields an empty list; this method never
// propagates an error to the caller.
func (a *Analyzer) Analyze(ctx context.Context, events []core.RequestEvent, promptContext string) []core.ThreatVerdict {
	if !a.Available() || len(events) == 0 {
		return nil
	}

	response, err := a.complete(ctx, a.batchPrompt(events, promptContext))
	if err != nil {
		a.logger.Error("AI analysis failed", map[string]interface{}{"error": err})
		return nil
	}
	return a.parseBatch(response)
}

// AnalyzeSingle asks the model one question about one event
func (a *Analyzer) AnalyzeSingle(ctx context.Context, event core.RequestEvent, question string) core.ThreatVerdict {
	if !a.Available() {
		return core.Safe(analyzerID)
	}

	response, err := a.complete(ctx, a.singlePrompt(event, question))
	if err != nil {
		a.logger.Error("AI single analysis failed", map[string]interface{}{"error": err})
		return core.Safe(analyzerID)
	}
	return a.parseSingle(response)
}

func (a *Analyzer) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return a.client.Complete(ctx, prompt)
}

func (a *Analyzer) batchPrompt(events []core.RequestEvent, promptContext string) string {
	var sb strings.Builder
	sb.WriteString("You are SentinAI, an API security analyzer. Analyze the following batch of HTTP requests.\n\n")
	sb.WriteString("Context: ")
	sb.WriteString(promptContext)
	sb.WriteString("\n\nEvents:\n")

	for i, e := range events {
		user := e.UserID
		if user == "" {
			user = "anonymous"
		}
		agent := e.UserAgent
		if agent == "" {
			agent = "unknown"
		}
		fmt.Fprintf(&sb, "[%d] %s %s from IP=%s user=%s UA=%s status=%d time=%dms\n",
			i+1, e.Method, e.Path, e.SourceIP, user, agent, e.ResponseStatus, e.ResponseTimeMs)
	}

	sb.WriteString("\nRespond with one of: SAFE, SUSPICIOUS, BLOCK\n")
	sb.WriteString("If SUSPICIOUS or BLOCK, explain the pattern you detected.\n")
	sb.WriteString("Format: VERDICT|REASON|TARGET_IDENTIFIER\n")
	return sb.String()
}

func (a *Analyzer) singlePrompt(event core.RequestEvent, question string) string {
	return fmt.Sprintf(
		"You are SentinAI, an API security analyzer.\n\n"+
			"Request: %s %s\nIP: %s\nUser: %s\nUser-Agent: %s\n"+
			"Query: %s\nBody: %s\n\n"+
			"Question: %s\n\n"+
			"Respond with: SAFE, SUSPICIOUS, or BLOCK followed by a brief reason.\n"+
			"Format: VERDICT|REASON",
		event.Method, event.Path, event.SourceIP, event.UserID, event.UserAgent,
		event.QueryString, event.Body, question)
}

// parseBatch extracts VERDICT|REASON|TARGET lines. Lines without a pipe and
// verdicts other than BLOCK or SUSPICIOUS are ignored, so chatty model
// output degrades to fewer verdicts rather than failure.
func (a *Analyzer) parseBatch(response string) []core.ThreatVerdict {
	var verdicts []core.ThreatVerdict
	for _, line := range strings.Split(response, "\n") {
		if !strings.Contains(line, "|") {
			continue
		}
		parts := strings.SplitN(line, "|", 3)

		verdict := strings.ToUpper(strings.TrimSpace(parts[0]))
		reason := "AI detected threat"
		if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
			reason = strings.TrimSpace(parts[1])
		}
		target := "unknown"
		if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
			target = strings.TrimSpace(parts[2])
		}

		switch verdict {
		case "BLOCK":
			verdicts = append(verdicts, core.Block(analyzerID, reason, target, aiBlockSeconds))
		case "SUSPICIOUS":
			verdicts = append(verdicts, core.Suspicious(analyzerID, reason, target))
		}
	}
	return verdicts
}

func (a *Analyzer) parseSingle(response string) core.ThreatVerdict {
	parts := strings.SplitN(response, "|", 2)
	verdict := strings.ToUpper(strings.TrimSpace(parts[0]))
	reason := "AI analysis"
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		reason = strings.TrimSpace(parts[1])
	}

	switch verdict {
	case "BLOCK":
		return core.Block(analyzerID, reason, "request", aiBlockSeconds)
	case "SUSPICIOUS":
		return core.Suspicious(analyzerID, reason, "request")
	default:
		return core.Safe(analyzerID)
	}
}
