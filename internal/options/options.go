// Package options resolves namespaced, optionally chat-scoped settings.
//
// A lookup for namespace "parameters", key "model" and scope "abc" checks
// "parameters.model@abc", then "parameters.model", then the registered default.
package options

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Backend persists raw option values per owner.
type Backend interface {
	Get(ctx context.Context, owner, field string) ([]byte, bool, error)
	Set(ctx context.Context, owner, field string, value []byte) error
}

// Defaults returns the built-in option values.
func Defaults(model string, temperature float64) map[string]any {
	return map[string]any{
		"parameters.model":        model,
		"parameters.temperature":  temperature,
		"parameters.systemPrompt": "",
		"openai.apiKey":           "",
		"tts.autoplay":            false,
		"tts.service":             "web-speech",
	}
}

var secretFields = map[string]bool{
	"openai.apiKey": true,
}

type Options struct {
	mu       sync.RWMutex
	owner    string
	backend  Backend
	sealer   *Sealer
	defaults map[string][]byte
	logger   *zap.Logger
}

// New builds an option set for owner. sealer may be nil, in which case
// secrets are stored as plain JSON.
func New(backend Backend, sealer *Sealer, defaults map[string]any, owner string, logger *zap.Logger) *Options {
	encoded := make(map[string][]byte, len(defaults))
	for name, v := range defaults {
		raw, err := json.Marshal(v)
		if err != nil {
			logger.Warn("dropping unencodable option default", zap.String("option", name), zap.Error(err))
			continue
		}
		encoded[name] = raw
	}

	return &Options{
		owner:    owner,
		backend:  backend,
		sealer:   sealer,
		defaults: encoded,
		logger:   logger,
	}
}

func (o *Options) Owner() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owner
}

// SetOwner switches the option namespace, e.g. after login.
func (o *Options) SetOwner(owner string) {
	o.mu.Lock()
	o.owner = owner
	o.mu.Unlock()
}

// Get returns the typed value of namespace.key, or the zero value of T when
// the option is unset or does not decode into T.
func Get[T any](ctx context.Context, o *Options, namespace, key, scope string) T {
	var v T
	raw, ok := o.lookup(ctx, namespace, key, scope)
	if !ok {
		return v
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		o.logger.Debug("option type mismatch",
			zap.String("option", namespace+"."+key),
			zap.Error(err))
		var zero T
		return zero
	}
	return v
}

// Set stores value for namespace.key, scoped to a chat when scope is not empty.
func (o *Options) Set(ctx context.Context, namespace, key, scope string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode option %s.%s: %w", namespace, key, err)
	}

	name := namespace + "." + key
	if secretFields[name] && o.sealer != nil {
		raw, err = o.sealer.Seal(raw)
		if err != nil {
			return err
		}
	}

	if err := o.backend.Set(ctx, o.Owner(), field(name, scope), raw); err != nil {
		return fmt.Errorf("failed to store option %s: %w", name, err)
	}
	return nil
}

func (o *Options) lookup(ctx context.Context, namespace, key, scope string) ([]byte, bool) {
	name := namespace + "." + key
	if scope != "" {
		if raw, ok := o.read(ctx, name, field(name, scope)); ok {
			return raw, true
		}
	}
	if raw, ok := o.read(ctx, name, name); ok {
		return raw, true
	}
	raw, ok := o.defaults[name]
	return raw, ok
}

func (o *Options) read(ctx context.Context, name, f string) ([]byte, bool) {
	raw, ok, err := o.backend.Get(ctx, o.Owner(), f)
	if err != nil {
		o.logger.Warn("option read failed", zap.String("option", f), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	if secretFields[name] && o.sealer != nil {
		opened, err := o.sealer.Open(raw)
		if err != nil {
			o.logger.Warn("option could not be unsealed", zap.String("option", f), zap.Error(err))
			return nil, false
		}
		return opened, true
	}
	return raw, true
}

func field(name, scope string) string {
	if scope == "" {
		return name
	}
	return name + "@" + scope
}

// IsSecret reports whether namespace.key holds a credential that is sealed at
// rest and must not be echoed back to clients.
func IsSecret(namespace, key string) bool {
	return secretFields[namespace+"."+key]
}
