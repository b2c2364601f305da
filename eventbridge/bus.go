// Package eventbridge connects the engine to the event bus: inbound
// trigger events instantiate runs for matching ACTIVE workflows, and
// engine progress is published back out. Two bus implementations are
// provided, an in-process bus for embedded use and tests, and a redis
// pub/sub bus for multi-process deployments.
package eventbridge

import (
	"context"
	"strings"
)

// Handler consumes one bus event.
type Handler func(ctx context.Context, subject string, payload map[string]any)

// Bus is a minimal pub/sub transport with subject pattern matching.
type Bus interface {
	Publish(ctx context.Context, subject string, payload map[string]any) error
	// Subscribe registers a handler for subjects matching pattern and
	// returns an unsubscribe function.
	Subscribe(pattern string, h Handler) (func(), error)
	Close() error
}

// MatchSubject reports whether a dotted subject matches a pattern.
// Pattern tokens: "*" matches exactly one subject token, a trailing
// ">" matches one or more remaining tokens, anything else matches
// literally.
func MatchSubject(pattern, subject string) bool {
	if pattern == "" {
		return false
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
