package proxy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kyoron2/API-Middleware-Context-Control-system/proxy/config"
	"github.com/kyoron2/API-Middleware-Context-Control-system/proxy/session"
)

// summaryMessagePrefix marks synthetic summary messages so later reductions
// treat them like operator-authored system prompts instead of re-summarizing
// them.
const summaryMessagePrefix = "[Previous conversation summary]: "

// Summarizer produces an LLM-written summary of a message slice. The provider
// router satisfies this.
type Summarizer interface {
	Summarize(ctx context.Context, model string, msgs []session.Message, maxTokens int) (string, error)
}

// ContextEngine decides when a conversation exceeds its budgets and applies
// the configured reduction strategy.
type ContextEngine struct {
	logger     *LogMonitor
	summarizer Summarizer
}

func NewContextEngine(logger *LogMonitor, summarizer Summarizer) *ContextEngine {
	return &ContextEngine{
		logger:     logger,
		summarizer: summarizer,
	}
}

// ShouldReduce reports whether the history exceeds the turn or token budget.
func (ce *ContextEngine) ShouldReduce(history []session.Message, cfg config.ContextConfig) bool {
	if session.TurnCount(history) > cfg.MaxTurns {
		return true
	}
	return session.EstimateTokens(history) > cfg.MaxTokens
}

// ApplyStrategy reduces the history according to cfg.ReductionMode and
// returns the replacement history plus the summary text when summarization
// produced one. Summarization failures fall back to truncation; the request
// never fails because a summary could not be produced.
func (ce *ContextEngine) ApplyStrategy(ctx context.Context, history []session.Message, cfg config.ContextConfig) ([]session.Message, string, error) {
	switch cfg.ReductionMode {
	case config.ModeTruncation:
		return ce.truncate(history, cfg), "", nil
	case config.ModeSlidingWindow:
		return ce.slidingWindow(history, cfg), "", nil
	case config.ModeSummarization:
		return ce.summarize(ctx, history, cfg)
	default:
		return nil, "", fmt.Errorf("unsupported reduction mode: %s", cfg.ReductionMode)
	}
}

// splitPreserved separates the messages that survive every reduction (system
// messages, when preservation is on) from the reducible remainder. Relative
// order is kept on both sides.
func splitPreserved(history []session.Message, cfg config.ContextConfig) (preserved, other []session.Message) {
	for _, msg := range history {
		if msg.Role == "system" && cfg.PreserveSystem() {
			preserved = append(preserved, msg)
		} else {
			other = append(other, msg)
		}
	}
	return preserved, other
}

// truncate keeps the newest messages up to the turn budget. The kept
// messages are a contiguous suffix of the input; preserved system messages
// go back to the head.
func (ce *ContextEngine) truncate(history []session.Message, cfg config.ContextConfig) []session.Message {
	preserved, other := splitPreserved(history, cfg)

	keep := 2 * cfg.MaxTurns
	if keep > len(other) {
		keep = len(other)
	}
	kept := other[len(other)-keep:]

	result := make([]session.Message, 0, len(preserved)+len(kept))
	result = append(result, preserved...)
	return append(result, kept...)
}

// slidingWindow keeps the newest messages that fit the token budget left
// over after the preserved system messages.
func (ce *ContextEngine) slidingWindow(history []session.Message, cfg config.ContextConfig) []session.Message {
	preserved, other := splitPreserved(history, cfg)

	budget := cfg.MaxTokens - session.EstimateTokens(preserved)
	if budget <= 0 {
		return append([]session.Message{}, preserved...)
	}

	total := 0
	start := len(other)
	for i := len(other) - 1; i >= 0; i-- {
		cost := session.EstimateText(other[i].Content)
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}
	kept := other[start:]

	result := make([]session.Message, 0, len(preserved)+len(kept))
	result = append(result, preserved...)
	return append(result, kept...)
}

// summarize folds everything but the most recent turns into an LLM-written
// summary injected as a system-authored message at the head of the kept tail.
func (ce *ContextEngine) summarize(ctx context.Context, history []session.Message, cfg config.ContextConfig) ([]session.Message, string, error) {
	preserved, other := splitPreserved(history, cfg)

	keep := 2 * cfg.MaxTurns
	if keep > len(other)-2 {
		keep = len(other) - 2
	}
	if keep < 2 {
		keep = 2
	}
	if keep >= len(other) {
		// Nothing older than the kept tail; the budget pressure comes from a
		// handful of oversized recent messages.
		ce.logger.Warnf("summarization skipped: no messages older than the kept tail, falling back to truncation")
		return ce.truncate(history, cfg), "", nil
	}

	old := other[:len(other)-keep]
	kept := other[len(other)-keep:]

	summary, err := ce.summarizer.Summarize(ctx, cfg.SummarizationModel, old, cfg.MaxTokens)
	if err != nil || strings.TrimSpace(summary) == "" {
		ce.logger.Warnf("summarization via %s failed (%v), falling back to truncation", cfg.SummarizationModel, err)
		return ce.truncate(history, cfg), "", nil
	}

	summaryMsg := session.Message{
		Role:      "system",
		Content:   summaryMessagePrefix + summary,
		Timestamp: time.Now().UTC(),
	}

	result := make([]session.Message, 0, len(preserved)+1+len(kept))
	result = append(result, preserved...)
	result = append(result, summaryMsg)
	return append(result, kept...), summary, nil
}
