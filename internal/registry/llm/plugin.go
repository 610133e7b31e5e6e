package llm

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a model provider failure for the caller's retry policy.
type Kind string

const (
	// KindTransient covers network errors, timeouts, and 5xx responses.
	KindTransient Kind = "transient"
	// KindConfiguration covers missing or invalid provider configuration.
	KindConfiguration Kind = "configuration"
	// KindSafety covers responses blocked by the provider's content filter.
	KindSafety Kind = "safety"
	// KindQuota covers rate and quota exhaustion.
	KindQuota Kind = "quota"
	// KindPermission covers authentication and authorization failures.
	KindPermission Kind = "permission"
)

// Error is a classified failure from the model provider.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s error: %s", e.Kind, e.Message)
}

// KindOf returns the classification of err, or KindTransient when err is not
// a classified provider error (unknown failures are assumed retryable).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Message is one prior exchange turn supplied as context to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the input to a single generation call.
type Request struct {
	Message     string
	Attachments []string
	History     []Message
}

// Responder generates a reply for one user message. The returned text is
// stored verbatim as the exchange's response.
type Responder interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Loader creates a responder from config.
type Loader func(ctx context.Context) (Responder, error)

// Plugin represents a model provider plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a responder plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered responder plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named responder plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown llm %q; valid: %v", name, Names())
}
