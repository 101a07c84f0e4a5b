// Package breakdown decomposes a task title into smaller actionable steps
// using an LLM.
//
// Decomposition prefers a local model and falls back to a cloud model when
// the local one is unavailable or fails. Progress is surfaced through a
// status callback so the session can tell the user which engine is thinking.
package breakdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Provider tags reported through Status.
const (
	ProviderLocal = "local_ollama"
	ProviderCloud = "cloud_gemini"
)

// Status reports progress of an in-flight decomposition attempt.
type Status struct {
	// Provider identifies the engine currently working.
	Provider string
	// Downloading is true while the local engine is still fetching its
	// model and the result will take longer than usual.
	Downloading bool
}

// Decomposer turns one task title into an ordered list of sub-step titles.
type Decomposer interface {
	Decompose(ctx context.Context, title string) ([]string, error)
	Provider() string
}

// downloadProber is implemented by decomposers that can tell whether their
// model still needs to be fetched before the first completion.
type downloadProber interface {
	Downloading(ctx context.Context) bool
}

// Chain tries each decomposer in order and returns the first success.
type Chain struct {
	decomposers []Decomposer
	onStatus    func(Status)
	log         *slog.Logger
}

// NewChain builds a fallback chain. onStatus may be nil. Decomposers are
// tried in the order given.
func NewChain(onStatus func(Status), log *slog.Logger, decomposers ...Decomposer) *Chain {
	if onStatus == nil {
		onStatus = func(Status) {}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Chain{decomposers: decomposers, onStatus: onStatus, log: log}
}

// Decompose returns the sub-steps for title along with the provider tag of
// the engine that produced them. Every engine's failure is retained in the
// joined error when all of them fail.
func (c *Chain) Decompose(ctx context.Context, title string) ([]string, string, error) {
	if len(c.decomposers) == 0 {
		return nil, "", errors.New("breakdown: no decomposers configured")
	}

	var errs []error
	for _, d := range c.decomposers {
		st := Status{Provider: d.Provider()}
		if p, ok := d.(downloadProber); ok {
			st.Downloading = p.Downloading(ctx)
		}
		c.onStatus(st)

		steps, err := d.Decompose(ctx, title)
		if err != nil {
			c.log.Warn("decomposer failed, trying next",
				"provider", d.Provider(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", d.Provider(), err))
			continue
		}
		if len(steps) == 0 {
			errs = append(errs, fmt.Errorf("%s: empty breakdown", d.Provider()))
			continue
		}
		return steps, d.Provider(), nil
	}
	return nil, "", fmt.Errorf("breakdown: all engines failed: %w", errors.Join(errs...))
}
