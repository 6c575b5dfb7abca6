package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammed-shakir/editsync/internal/cache/featurestore"
	"github.com/mohammed-shakir/editsync/internal/core/model"
)

// RedisMirror stores records as GeoJSON features in a featurestore.
type RedisMirror struct {
	store featurestore.RecordStore
	ttl   time.Duration
}

var _ Mirror = (*RedisMirror)(nil)

func NewRedisMirror(store featurestore.RecordStore, ttl time.Duration) *RedisMirror {
	return &RedisMirror{store: store, ttl: ttl}
}

func (m *RedisMirror) Save(ctx context.Context, dataSource, idField string, fs []model.Feature) error {
	if len(fs) == 0 {
		return nil
	}
	recs := make(map[int64][]byte, len(fs))
	for _, f := range fs {
		id, ok := f.ObjectID(idField)
		if !ok {
			continue
		}
		b, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode record %d: %w", id, err)
		}
		recs[id] = b
	}
	return m.store.PutRecords(ctx, dataSource, recs, m.ttl)
}

func (m *RedisMirror) Remove(ctx context.Context, dataSource string, ids []int64) error {
	return m.store.DeleteRecords(ctx, dataSource, ids)
}

// Load reads every mirrored record of a data source, ordered by id.
func (m *RedisMirror) Load(ctx context.Context, dataSource string) ([]model.Feature, error) {
	ids, err := m.store.RecordIDs(ctx, dataSource)
	if err != nil {
		return nil, err
	}
	raw, err := m.store.MGetRecords(ctx, dataSource, ids)
	if err != nil {
		return nil, err
	}
	out := make([]model.Feature, 0, len(raw))
	for _, id := range ids {
		b, ok := raw[id]
		if !ok {
			continue
		}
		var f model.Feature
		if err := json.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", id, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Restore loads the mirrored records of s into s.
func Restore(ctx context.Context, m *RedisMirror, s *Source) (int, error) {
	fs, err := m.Load(ctx, s.ID())
	if err != nil {
		return 0, fmt.Errorf("restore %s: %w", s.ID(), err)
	}
	return s.Upsert(fs...), nil
}
