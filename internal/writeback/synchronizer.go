// Package writeback pushes committed layer edits into the data source the
// editor reads from, so the selection sees the new records without a reload.
package writeback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
	"github.com/mohammed-shakir/editsync/internal/datasource"
	"github.com/mohammed-shakir/editsync/internal/logger"
)

var ErrUnknownLayer = errors.New("writeback: unknown layer")

// SyncState reports whether the editor has a write in flight.
type SyncState interface {
	Syncing() bool
}

type Fetcher interface {
	QueryByIDs(ctx context.Context, ids []int64, withGeometry bool) ([]model.Feature, error)
}

// Target is the remote layer and backing data source of a layer key.
type Target struct {
	IDField string
	Fetcher Fetcher
	Source  datasource.DataSource
}

type Resolve func(layerKey string) (Target, bool)

type Synchronizer struct {
	state   SyncState
	resolve Resolve
	log     *slog.Logger
}

func New(state SyncState, resolve Resolve, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Synchronizer{state: state, resolve: resolve, log: log}
}

// Handle applies ev to the data source of layerKey. Events that arrive while
// the editor is not syncing are dropped. Added and updated records are
// re-queried without geometry; deletions are applied by id.
func (s *Synchronizer) Handle(ctx context.Context, layerKey string, ev model.EditEvent) error {
	if ev.Empty() {
		return nil
	}
	ctx = logger.WithLayer(ctx, layerKey)
	if s.state != nil && !s.state.Syncing() {
		observability.IncWriteback("skipped")
		s.log.DebugContext(ctx, "edit event ignored, editor not syncing", "version", ev.Version)
		return nil
	}
	t, ok := s.resolve(layerKey)
	if !ok || t.Source == nil {
		observability.IncWriteback("unknown")
		return fmt.Errorf("%w: %s", ErrUnknownLayer, layerKey)
	}
	idField := t.IDField
	if idField == "" {
		idField = t.Source.IDField()
	}

	var edits datasource.Edits
	if ids := slices.Concat(ev.Added, ev.Updated); len(ids) > 0 && t.Fetcher != nil {
		start := time.Now()
		fs, err := t.Fetcher.QueryByIDs(ctx, ids, false)
		observability.ObserveUpstreamLatency("featureservice", "writeback_query", time.Since(start).Seconds())
		if err != nil {
			observability.IncWriteback("error")
			return fmt.Errorf("re-query %s: %w", layerKey, err)
		}
		byID := make(map[int64]model.Feature, len(fs))
		for _, f := range fs {
			if id, ok := f.ObjectID(idField); ok {
				byID[id] = f
			}
		}
		for _, id := range ev.Added {
			if f, ok := byID[id]; ok {
				edits.AddFeatures = append(edits.AddFeatures, f)
			}
		}
		for _, id := range ev.Updated {
			if f, ok := byID[id]; ok {
				edits.UpdateFeatures = append(edits.UpdateFeatures, f)
			}
		}
		if missing := len(ids) - len(edits.AddFeatures) - len(edits.UpdateFeatures); missing > 0 {
			s.log.WarnContext(ctx, "committed records not found on re-query", "missing", missing)
		}
	}
	for _, id := range ev.Deleted {
		edits.DeleteFeatures = append(edits.DeleteFeatures, model.Feature{Attributes: model.Attributes{idField: id}})
	}
	if edits.Empty() {
		observability.IncWriteback("empty")
		return nil
	}

	if err := t.Source.ApplyEdits(ctx, edits); err != nil {
		observability.IncWriteback("error")
		return fmt.Errorf("apply edits to %s: %w", t.Source.ID(), err)
	}
	observability.IncWriteback("ok")
	s.log.DebugContext(ctx, "edits written back",
		"data_source", t.Source.ID(),
		"added", len(edits.AddFeatures),
		"updated", len(edits.UpdateFeatures),
		"deleted", len(edits.DeleteFeatures),
	)
	return nil
}
