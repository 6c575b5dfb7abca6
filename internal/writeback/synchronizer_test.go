package writeback

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
	"github.com/mohammed-shakir/editsync/internal/datasource"
)

type syncFlag bool

func (s syncFlag) Syncing() bool { return bool(s) }

type fakeFetcher struct {
	calls    int
	withGeom []bool
	rows     map[int64]model.Feature
	err      error
}

func (f *fakeFetcher) QueryByIDs(_ context.Context, ids []int64, withGeometry bool) ([]model.Feature, error) {
	f.calls++
	f.withGeom = append(f.withGeom, withGeometry)
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Feature
	for _, id := range ids {
		if r, ok := f.rows[id]; ok {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func newSource(t *testing.T) *datasource.Source {
	t.Helper()
	src := datasource.NewSource("ds1", "OBJECTID")
	src.Upsert(
		model.Feature{Attributes: model.Attributes{"OBJECTID": 1.0, "STATUS": "open"}, Geometry: orb.Point{1, 1}},
		model.Feature{Attributes: model.Attributes{"OBJECTID": 2.0, "STATUS": "open"}, Geometry: orb.Point{2, 2}},
	)
	return src
}

func TestHandle_AppliesWhileSyncing(t *testing.T) {
	reg := prometheus.NewRegistry()
	observability.Init(reg, true)
	t.Cleanup(func() { observability.Init(nil, false) })

	src := newSource(t)
	fetch := &fakeFetcher{rows: map[int64]model.Feature{
		1: {Attributes: model.Attributes{"OBJECTID": 1.0, "STATUS": "closed"}},
		3: {Attributes: model.Attributes{"OBJECTID": 3.0, "STATUS": "new"}},
	}}
	s := New(syncFlag(true), func(key string) (Target, bool) {
		if key != "poles" {
			return Target{}, false
		}
		return Target{Fetcher: fetch, Source: src}, true
	}, nil)

	before := src.Version()
	err := s.Handle(context.Background(), "poles", model.EditEvent{Layer: "poles", Added: []int64{3}, Updated: []int64{1}, Deleted: []int64{2}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if fetch.calls != 1 || fetch.withGeom[0] {
		t.Fatalf("want one query without geometry, got calls=%d geom=%v", fetch.calls, fetch.withGeom)
	}
	if src.Version() != before+1 {
		t.Fatalf("version=%d want %d", src.Version(), before+1)
	}

	updated, err := src.Record(1)
	if err != nil || updated.Attributes["STATUS"] != "closed" || updated.Geometry == nil {
		t.Fatalf("update should merge and keep geometry: %+v err=%v", updated, err)
	}
	if _, err := src.Record(3); err != nil {
		t.Fatalf("added record missing: %v", err)
	}
	if _, err := src.Record(2); !errors.Is(err, datasource.ErrNotFound) {
		t.Fatalf("deleted record still present: %v", err)
	}
}

func TestHandle_IgnoredWhenNotSyncing(t *testing.T) {
	src := newSource(t)
	fetch := &fakeFetcher{}
	s := New(syncFlag(false), func(string) (Target, bool) {
		return Target{Fetcher: fetch, Source: src}, true
	}, nil)

	if err := s.Handle(context.Background(), "poles", model.EditEvent{Deleted: []int64{1}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if fetch.calls != 0 || src.Version() != 0 {
		t.Fatalf("event applied while not syncing")
	}
}

func TestHandle_DeletesOnlySkipQuery(t *testing.T) {
	src := newSource(t)
	fetch := &fakeFetcher{}
	s := New(syncFlag(true), func(string) (Target, bool) {
		return Target{Fetcher: fetch, Source: src}, true
	}, nil)
	if err := s.Handle(context.Background(), "poles", model.EditEvent{Deleted: []int64{1, 2}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if fetch.calls != 0 {
		t.Fatalf("deletions should not query")
	}
	if n := len(src.Records()); n != 0 {
		t.Fatalf("records left=%d", n)
	}
}

func TestHandle_Errors(t *testing.T) {
	src := newSource(t)
	s := New(syncFlag(true), func(string) (Target, bool) { return Target{}, false }, nil)
	if err := s.Handle(context.Background(), "lines", model.EditEvent{Added: []int64{1}}); !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("want ErrUnknownLayer, got %v", err)
	}

	boom := errors.New("upstream down")
	s = New(syncFlag(true), func(string) (Target, bool) {
		return Target{Fetcher: &fakeFetcher{err: boom}, Source: src}, true
	}, nil)
	if err := s.Handle(context.Background(), "poles", model.EditEvent{Updated: []int64{1}}); !errors.Is(err, boom) {
		t.Fatalf("want wrapped upstream error, got %v", err)
	}
	if src.Version() != 0 {
		t.Fatalf("failed re-query must not touch the source")
	}

	if err := s.Handle(context.Background(), "poles", model.EditEvent{}); err != nil {
		t.Fatalf("empty event: %v", err)
	}
}
