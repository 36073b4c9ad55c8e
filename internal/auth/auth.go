// Package auth is the authorization gate consulted before exposing
// queue-trigger and workspace-wipe actions. Deny always surfaces as a
// PermissionDenied error naming the subject, the action, and the job; it is
// never downgraded to a silent no-op.
package auth

import (
	"sync"

	"github.com/ubershmekel/jenkins/internal/cierrors"
	"github.com/ubershmekel/jenkins/internal/state"
)

// Action is a guarded operation.
type Action string

const (
	ActionBuild  Action = "build"
	ActionWipe   Action = "wipe"
	ActionCancel Action = "cancel"
)

// Gate decides whether a subject may perform an action on a job.
type Gate interface {
	Check(subject string, action Action, job string) error
}

// AllowAll grants everything. Used when no auth rules are configured.
type AllowAll struct{}

func (AllowAll) Check(string, Action, string) error { return nil }

// RuleGate grants actions from a static rule list in the server config.
type RuleGate struct {
	rules []state.AuthRule
}

func NewRuleGate(rules []state.AuthRule) *RuleGate {
	return &RuleGate{rules: rules}
}

func (g *RuleGate) Check(subject string, action Action, job string) error {
	for _, rule := range g.rules {
		if rule.Subject != subject && rule.Subject != "*" {
			continue
		}
		if !containsAction(rule.Actions, action) {
			continue
		}
		if len(rule.Jobs) == 0 || contains(rule.Jobs, job) {
			return nil
		}
	}
	return cierrors.PermissionDenied(subject, string(action), job)
}

// Reloadable delegates to an inner gate that can be swapped at runtime,
// backing configuration hot reload without restarting in-flight builds.
type Reloadable struct {
	mu    sync.RWMutex
	inner Gate
}

func NewReloadable(inner Gate) *Reloadable {
	return &Reloadable{inner: inner}
}

// Swap replaces the delegate gate.
func (g *Reloadable) Swap(inner Gate) {
	g.mu.Lock()
	g.inner = inner
	g.mu.Unlock()
}

func (g *Reloadable) Check(subject string, action Action, job string) error {
	g.mu.RLock()
	inner := g.inner
	g.mu.RUnlock()
	return inner.Check(subject, action, job)
}

func containsAction(actions []string, action Action) bool {
	for _, a := range actions {
		if a == string(action) || a == "*" {
			return true
		}
	}
	return false
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
