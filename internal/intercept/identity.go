package intercept

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/mohammed-shakir/editsync/internal/core/model"
)

type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	default:
		return "low"
	}
}

// Identity is a stable key for a feature plus how much it can be trusted to
// survive the feature's lifetime.
type Identity struct {
	Key        string
	Source     string
	Confidence Confidence
}

type IdentityStrategy interface {
	Identify(f model.Feature) (Identity, bool)
}

type IdentityFunc func(f model.Feature) (Identity, bool)

func (fn IdentityFunc) Identify(f model.Feature) (Identity, bool) { return fn(f) }

// ObjectIDIdentity keys by the object id attribute. An empty field name
// detects the attribute by name.
func ObjectIDIdentity(idField string) IdentityStrategy {
	return IdentityFunc(func(f model.Feature) (Identity, bool) {
		id, ok := f.ObjectID(idField)
		if !ok {
			return Identity{}, false
		}
		return Identity{Key: fmt.Sprintf("oid:%d", id), Source: "objectid", Confidence: ConfidenceHigh}, true
	})
}

func UIDIdentity() IdentityStrategy {
	return IdentityFunc(func(f model.Feature) (Identity, bool) {
		if f.UID == "" {
			return Identity{}, false
		}
		return Identity{Key: "uid:" + f.UID, Source: "uid", Confidence: ConfidenceMedium}, true
	})
}

// GeometryIdentity hashes the WKB encoding of the geometry. Two drafts with the
// same shape collide.
func GeometryIdentity() IdentityStrategy {
	return IdentityFunc(func(f model.Feature) (Identity, bool) {
		if f.Geometry == nil {
			return Identity{}, false
		}
		b, err := wkb.Marshal(f.Geometry)
		if err != nil || len(b) == 0 {
			return Identity{}, false
		}
		return Identity{Key: fmt.Sprintf("geom:%016x", xxhash.Sum64(b)), Source: "geometry", Confidence: ConfidenceLow}, true
	})
}

// TimeIdentity always succeeds with a unique key, so it never deduplicates.
func TimeIdentity(now func() time.Time) IdentityStrategy {
	if now == nil {
		now = time.Now
	}
	var seq atomic.Uint64
	return IdentityFunc(func(model.Feature) (Identity, bool) {
		k := fmt.Sprintf("ts:%d-%d", now().UnixNano(), seq.Add(1))
		return Identity{Key: k, Source: "time", Confidence: ConfidenceLow}, true
	})
}

// IdentityResolver tries strategies in order and returns the first match.
type IdentityResolver struct {
	strategies []IdentityStrategy
}

func NewIdentityResolver(strategies ...IdentityStrategy) *IdentityResolver {
	return &IdentityResolver{strategies: strategies}
}

// DefaultIdentity orders object id, editor uid, geometry hash, then time.
func DefaultIdentity(idField string) *IdentityResolver {
	return NewIdentityResolver(
		ObjectIDIdentity(idField),
		UIDIdentity(),
		GeometryIdentity(),
		TimeIdentity(nil),
	)
}

func (r *IdentityResolver) Resolve(f model.Feature) (Identity, bool) {
	if r == nil {
		return Identity{}, false
	}
	for _, s := range r.strategies {
		if id, ok := s.Identify(f); ok {
			return id, true
		}
	}
	return Identity{}, false
}

// ProcessedKeys records identity keys that have already triggered processing.
type ProcessedKeys struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewProcessedKeys() *ProcessedKeys {
	return &ProcessedKeys{keys: make(map[string]struct{})}
}

// MarkOnce returns true the first time key is seen.
func (p *ProcessedKeys) MarkOnce(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.keys[key]; ok {
		return false
	}
	p.keys[key] = struct{}{}
	return true
}

func (p *ProcessedKeys) Has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.keys[key]
	return ok
}

func (p *ProcessedKeys) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

func (p *ProcessedKeys) Clear() {
	p.mu.Lock()
	p.keys = make(map[string]struct{})
	p.mu.Unlock()
}
