package intercept

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/mohammed-shakir/editsync/internal/core/model"
)

var ErrNilWriter = errors.New("intercept: nil writer")

// Factory builds the interceptor installed for a layer key.
type Factory func(key string, original Writer, schema model.LayerSchema) *Interceptor

type entry struct {
	original Writer
	wrapped  *Interceptor
}

// Registry owns the installed interceptors of one session. Each key keeps the
// writer it first saw until it is restored.
type Registry struct {
	mu      sync.Mutex
	factory Factory
	entries map[string]*entry
	log     *slog.Logger
}

func NewRegistry(factory Factory, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if factory == nil {
		factory = func(key string, original Writer, schema model.LayerSchema) *Interceptor {
			return New(original, schema, nil, WithLayerKey(key))
		}
	}
	return &Registry{factory: factory, entries: make(map[string]*entry), log: log}
}

// Install wraps layer under key. A second install of the same key returns the
// existing wrapper. On failure the layer is returned unwrapped.
func (r *Registry) Install(key string, layer Writer, schema model.LayerSchema) (Writer, error) {
	if layer == nil {
		return nil, ErrNilWriter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.wrapped, nil
	}
	if ic, ok := layer.(*Interceptor); ok && !ic.detached.Load() {
		return ic, nil
	}

	var wrapped *Interceptor
	err := safely(func() error {
		wrapped = r.factory(key, layer, schema)
		if wrapped == nil {
			return fmt.Errorf("factory returned nil for %q", key)
		}
		return nil
	})
	if err != nil {
		r.log.Warn("install interceptor failed", "layer", key, "err", err)
		return layer, err
	}
	r.entries[key] = &entry{original: layer, wrapped: wrapped}
	return wrapped, nil
}

func (r *Registry) Writer(key string) (Writer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.wrapped, true
}

func (r *Registry) Original(key string) (Writer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.original, true
}

// Restore removes the wrapper for key. Restoring an unknown key is a no-op.
func (r *Registry) Restore(key string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if ok {
		e.wrapped.detach()
	}
	return ok
}

// Retain restores every installed key not in keep and returns them sorted.
func (r *Registry) Retain(keep []string) []string {
	var drop []string
	r.mu.Lock()
	for k := range r.entries {
		if !slices.Contains(keep, k) {
			drop = append(drop, k)
		}
	}
	r.mu.Unlock()
	slices.Sort(drop)
	for _, k := range drop {
		r.Restore(k)
	}
	return drop
}

func (r *Registry) RestoreAll() int {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range entries {
		e.wrapped.detach()
	}
	return len(entries)
}

func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// safely converts a panic in fn into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("recovered: %v", rec)
		}
	}()
	return fn()
}
