// Package settings reconciles pluggable monitor settings advertised by the
// hardware side with the values the user stored for a monitor identity.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/g960059/boardmon/internal/db"
	"github.com/g960059/boardmon/internal/model"
)

type Store interface {
	GetMonitorSettings(ctx context.Context, key string) (model.PluggableMonitorSettings, error)
	FindMonitorSettingsByPrefix(ctx context.Context, prefix string) (string, model.PluggableMonitorSettings, error)
	PutMonitorSettings(ctx context.Context, key string, settings model.PluggableMonitorSettings) error
}

type Provider struct {
	store Store
	mu    sync.Mutex
}

func NewProvider(store Store) *Provider {
	return &Provider{store: store}
}

// Get returns the stored settings for identity reconciled against defaults.
// Storage is searched by exact key first, then by dash-delimited prefixes of
// the identity, longest first.
func (p *Provider) Get(ctx context.Context, identity string, defaults model.PluggableMonitorSettings) (model.PluggableMonitorSettings, error) {
	stored, err := p.lookup(ctx, identity)
	if err != nil {
		return nil, err
	}
	return Reconcile(stored, defaults), nil
}

// Set overlays the selected values of partial on the current settings,
// reconciles the result and persists it under the full identity. Values the
// definition rejects leave the current value in place.
func (p *Provider) Set(ctx context.Context, identity string, partial, defaults model.PluggableMonitorSettings) (model.PluggableMonitorSettings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.Get(ctx, identity, defaults)
	if err != nil {
		return nil, err
	}
	for id, setting := range partial {
		existing, ok := current[id]
		if !ok || !existing.Accepts(setting.SelectedValue) {
			continue
		}
		existing.SelectedValue = setting.SelectedValue
		current[id] = existing
	}
	next := Reconcile(current, defaults)
	if err := p.store.PutMonitorSettings(ctx, identity, next); err != nil {
		return nil, fmt.Errorf("persist monitor settings %s: %w", identity, err)
	}
	return next, nil
}

func (p *Provider) lookup(ctx context.Context, identity string) (model.PluggableMonitorSettings, error) {
	stored, err := p.store.GetMonitorSettings(ctx, identity)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("load monitor settings %s: %w", identity, err)
	}
	for _, prefix := range model.IdentityPrefixes(identity) {
		_, stored, err := p.store.FindMonitorSettingsByPrefix(ctx, prefix+"-")
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("load monitor settings by prefix %s: %w", prefix, err)
		}
	}
	return model.PluggableMonitorSettings{}, nil
}

// Reconcile keeps exactly the keys of defaults. Definitions always come from
// defaults; a stored selected value survives only if the definition accepts
// it, otherwise the first allowed value is used.
func Reconcile(stored, defaults model.PluggableMonitorSettings) model.PluggableMonitorSettings {
	out := make(model.PluggableMonitorSettings, len(defaults))
	for id, def := range defaults {
		merged := def
		merged.ID = id
		merged.Values = append([]string(nil), def.Values...)
		if prev, ok := stored[id]; ok {
			if def.Accepts(prev.SelectedValue) {
				merged.SelectedValue = prev.SelectedValue
			} else {
				merged.SelectedValue = def.Values[0]
			}
		}
		out[id] = merged
	}
	return out
}
