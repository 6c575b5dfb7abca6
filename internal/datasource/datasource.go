// Package datasource implements the logical, selectable record sets that the
// selection bridge observes and write-back updates.
package datasource

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/watch"
)

var ErrNotFound = errors.New("datasource: not found")

// Edits is a write-back batch. Delete entries only need the id attribute.
type Edits struct {
	AddFeatures    []model.Feature `json:"addFeatures,omitempty"`
	UpdateFeatures []model.Feature `json:"updateFeatures,omitempty"`
	DeleteFeatures []model.Feature `json:"deleteFeatures,omitempty"`
}

func (e Edits) Empty() bool {
	return len(e.AddFeatures) == 0 && len(e.UpdateFeatures) == 0 && len(e.DeleteFeatures) == 0
}

type DataSource interface {
	ID() string
	IDField() string
	// SelectedIDs returns the selection in selection order.
	SelectedIDs() []int64
	SelectedRecords() []model.Feature
	Version() uint64
	OnSelectionChange(func()) watch.Disposable
	OnVersionChange(func()) watch.Disposable
	ApplyEdits(ctx context.Context, e Edits) error
}

// Mirror persists applied records outside the process.
type Mirror interface {
	Save(ctx context.Context, dataSource, idField string, fs []model.Feature) error
	Remove(ctx context.Context, dataSource string, ids []int64) error
}

type Option func(*Source)

func WithMirror(m Mirror) Option {
	return func(s *Source) { s.mirror = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// Source is an in-memory DataSource.
type Source struct {
	id      string
	idField string
	logger  *slog.Logger
	mirror  Mirror

	mu       sync.RWMutex
	records  map[int64]model.Feature
	order    []int64
	selected []int64
	version  uint64

	selection watch.Emitter[struct{}]
	versions  watch.Emitter[struct{}]
}

var _ DataSource = (*Source)(nil)

func NewSource(id, idField string, opts ...Option) *Source {
	if idField == "" {
		idField = "OBJECTID"
	}
	s := &Source{
		id:      id,
		idField: idField,
		records: map[int64]model.Feature{},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Source) ID() string      { return s.id }
func (s *Source) IDField() string { return s.idField }

func (s *Source) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Upsert loads records without notifying listeners. Records without a
// readable object id are skipped.
func (s *Source) Upsert(fs ...model.Feature) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range fs {
		id, ok := f.ObjectID(s.idField)
		if !ok {
			continue
		}
		s.put(id, f.Clone())
		n++
	}
	return n
}

func (s *Source) put(id int64, f model.Feature) {
	if _, ok := s.records[id]; !ok {
		s.order = append(s.order, id)
	}
	s.records[id] = f
}

func (s *Source) Record(id int64) (model.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.records[id]
	if !ok {
		return model.Feature{}, ErrNotFound
	}
	return f.Clone(), nil
}

// Records returns every record in load order.
func (s *Source) Records() []model.Feature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Feature, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].Clone())
	}
	return out
}

// Select replaces the selection. Unknown ids are dropped and duplicates keep
// their first position. Listeners are notified on every call.
func (s *Source) Select(ids []int64) {
	s.mu.Lock()
	sel := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.records[id]; ok && !slices.Contains(sel, id) {
			sel = append(sel, id)
		}
	}
	s.selected = sel
	s.mu.Unlock()
	s.selection.Emit(struct{}{})
}

func (s *Source) SelectedIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.selected)
}

func (s *Source) SelectedRecords() []model.Feature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Feature, 0, len(s.selected))
	for _, id := range s.selected {
		out = append(out, s.records[id].Clone())
	}
	return out
}

func (s *Source) OnSelectionChange(fn func()) watch.Disposable {
	return s.selection.Subscribe(func(struct{}) { fn() })
}

func (s *Source) OnVersionChange(fn func()) watch.Disposable {
	return s.versions.Subscribe(func(struct{}) { fn() })
}

// ApplyEdits merges a write-back batch and bumps the version. Updates merge
// attributes and keep the stored geometry when the update carries none.
// Deleting a selected record also notifies selection listeners.
func (s *Source) ApplyEdits(ctx context.Context, e Edits) error {
	if e.Empty() {
		return nil
	}

	s.mu.Lock()
	var saved []model.Feature
	for _, f := range append(slices.Clone(e.AddFeatures), e.UpdateFeatures...) {
		id, ok := f.ObjectID(s.idField)
		if !ok {
			continue
		}
		merged := f.Clone()
		if prev, ok := s.records[id]; ok {
			merged = prev.Clone()
			for k, v := range f.Attributes {
				merged.Attributes[k] = v
			}
			if f.Geometry != nil {
				merged.Geometry = orb.Clone(f.Geometry)
			}
		}
		s.put(id, merged)
		saved = append(saved, merged)
	}

	var removed []int64
	selectionChanged := false
	for _, f := range e.DeleteFeatures {
		id, ok := f.ObjectID(s.idField)
		if !ok {
			continue
		}
		if _, ok := s.records[id]; !ok {
			continue
		}
		delete(s.records, id)
		s.order = slices.DeleteFunc(s.order, func(x int64) bool { return x == id })
		if i := slices.Index(s.selected, id); i >= 0 {
			s.selected = slices.Delete(s.selected, i, i+1)
			selectionChanged = true
		}
		removed = append(removed, id)
	}
	s.version++
	version := s.version
	s.mu.Unlock()

	s.logger.Debug("edits applied", "data_source", s.id, "saved", len(saved), "removed", len(removed), "version", version)

	if s.mirror != nil {
		if err := s.mirror.Save(ctx, s.id, s.idField, saved); err != nil {
			s.logger.Warn("mirror save failed", "data_source", s.id, "err", err)
		}
		if err := s.mirror.Remove(ctx, s.id, removed); err != nil {
			s.logger.Warn("mirror remove failed", "data_source", s.id, "err", err)
		}
	}

	if selectionChanged {
		s.selection.Emit(struct{}{})
	}
	s.versions.Emit(struct{}{})
	return nil
}
