package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/selection"
)

const DefaultFeatureCacheSize = 512

// Record is one selected data source record in flattened order.
type Record struct {
	DataSourceID string
	Feature      model.Feature
}

// Target is a full feature ready to be handed to the editor.
type Target struct {
	LayerKey     string        `json:"layerKey"`
	DataSourceID string        `json:"dataSourceId"`
	ObjectID     int64         `json:"objectId"`
	Feature      model.Feature `json:"feature"`
}

// Flatten orders the set by layer order. Sources missing from order follow in
// id order; records keep their order within a source.
func Flatten(set selection.EditFeatureSet, order []string) []Record {
	var ids []string
	for _, id := range order {
		if _, ok := set[id]; ok && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	var rest []string
	for id := range set {
		if !slices.Contains(ids, id) {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	ids = append(ids, rest...)

	var out []Record
	for _, id := range ids {
		for _, f := range set[id] {
			out = append(out, Record{DataSourceID: id, Feature: f})
		}
	}
	return out
}

// Fetcher loads full records by object id.
type Fetcher interface {
	QueryByIDs(ctx context.Context, ids []int64, withGeometry bool) ([]model.Feature, error)
}

// LayerRef is the remote layer behind a data source.
type LayerRef struct {
	Key     string
	IDField string
	Fetcher Fetcher
}

type LayerLookup func(dataSourceID string) (LayerRef, bool)

type cachedFeature struct {
	fingerprint uint64
	feature     model.Feature
}

// FeatureResolver fetches the full features of selected records. A cached
// feature is reused while the record's attributes are unchanged.
type FeatureResolver struct {
	mu     sync.RWMutex
	lookup LayerLookup
	cache  *lru.Cache[string, cachedFeature]
	log    *slog.Logger
}

func NewFeatureResolver(lookup LayerLookup, size int, log *slog.Logger) (*FeatureResolver, error) {
	if size <= 0 {
		size = DefaultFeatureCacheSize
	}
	c, err := lru.New[string, cachedFeature](size)
	if err != nil {
		return nil, fmt.Errorf("feature cache: %w", err)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &FeatureResolver{lookup: lookup, cache: c, log: log}, nil
}

// SetLookup swaps the data source to layer mapping, e.g. after a catalog rebuild.
func (r *FeatureResolver) SetLookup(lookup LayerLookup) {
	r.mu.Lock()
	r.lookup = lookup
	r.mu.Unlock()
}

// Resolve returns targets in record order. Records that cannot be resolved are
// dropped; query failures count as not found.
func (r *FeatureResolver) Resolve(ctx context.Context, recs []Record) []Target {
	type pending struct {
		idx int
		oid int64
		fp  uint64
	}
	r.mu.RLock()
	lookup := r.lookup
	r.mu.RUnlock()
	out := make([]*Target, len(recs))
	missing := map[string][]pending{}
	refs := map[string]LayerRef{}

	for i, rec := range recs {
		ref, ok := refs[rec.DataSourceID]
		if !ok {
			if lookup == nil {
				continue
			}
			if ref, ok = lookup(rec.DataSourceID); !ok {
				r.log.WarnContext(ctx, "no layer for data source", "data_source", rec.DataSourceID)
				continue
			}
			refs[rec.DataSourceID] = ref
		}
		oid, ok := rec.Feature.ObjectID(ref.IDField)
		if !ok {
			continue
		}
		fp := fingerprint(rec.Feature.Attributes)
		if c, hit := r.cache.Get(cacheKey(rec.DataSourceID, oid)); hit && c.fingerprint == fp {
			out[i] = &Target{LayerKey: ref.Key, DataSourceID: rec.DataSourceID, ObjectID: oid, Feature: c.feature.Clone()}
			continue
		}
		missing[rec.DataSourceID] = append(missing[rec.DataSourceID], pending{idx: i, oid: oid, fp: fp})
	}

	for dsID, ps := range missing {
		ref := refs[dsID]
		ids := make([]int64, 0, len(ps))
		for _, p := range ps {
			ids = append(ids, p.oid)
		}
		fs, err := ref.Fetcher.QueryByIDs(ctx, ids, true)
		if err != nil {
			r.log.WarnContext(ctx, "full feature query failed", "data_source", dsID, "err", err)
			continue
		}
		byID := make(map[int64]model.Feature, len(fs))
		for _, f := range fs {
			if oid, ok := f.ObjectID(ref.IDField); ok {
				byID[oid] = f
			}
		}
		for _, p := range ps {
			f, ok := byID[p.oid]
			if !ok {
				continue
			}
			r.cache.Add(cacheKey(dsID, p.oid), cachedFeature{fingerprint: p.fp, feature: f.Clone()})
			out[p.idx] = &Target{LayerKey: ref.Key, DataSourceID: dsID, ObjectID: p.oid, Feature: f}
		}
	}

	targets := make([]Target, 0, len(recs))
	for _, t := range out {
		if t != nil {
			targets = append(targets, *t)
		}
	}
	return targets
}

func (r *FeatureResolver) Purge() { r.cache.Purge() }

func cacheKey(dsID string, oid int64) string {
	return fmt.Sprintf("%s/%d", dsID, oid)
}

// fingerprint hashes the attributes; encoding/json writes map keys sorted.
func fingerprint(attrs model.Attributes) uint64 {
	b, err := json.Marshal(attrs)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}
