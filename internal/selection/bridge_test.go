package selection

import (
	"context"
	"reflect"
	"testing"

	"github.com/mohammed-shakir/editsync/internal/catalog"
	"github.com/mohammed-shakir/editsync/internal/core/config"
	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/datasource"
	"github.com/mohammed-shakir/editsync/internal/mapview"
	"github.com/mohammed-shakir/editsync/internal/watch"
)

func source(id string, n int) *datasource.Source {
	s := datasource.NewSource(id, "OBJECTID")
	for i := 1; i <= n; i++ {
		s.Upsert(model.Feature{Attributes: model.Attributes{"OBJECTID": int64(i), "NAME": "v1"}})
	}
	return s
}

func record(changes *[]Change) func(Change) {
	return func(c Change) { *changes = append(*changes, c) }
}

func TestBridge_SelectionReplaceAndClear(t *testing.T) {
	b := New(nil)
	ds := source("ds1", 3)
	var changes []Change
	defer b.OnChange(record(&changes)).Dispose()
	defer b.Track(ds).Dispose()

	ds.Select([]int64{2, 1})
	snap := b.Snapshot()
	if len(snap["ds1"]) != 2 || snap.Count() != 2 {
		t.Fatalf("snapshot=%v", snap)
	}
	if id, _ := snap["ds1"][0].ObjectID(""); id != 2 {
		t.Fatalf("selection order lost, first=%d", id)
	}

	ds.Select(nil)
	if _, ok := b.Snapshot()["ds1"]; ok {
		t.Fatalf("empty selection must remove the entry")
	}
	if len(changes) != 2 || changes[1].Kind != KindSelection || len(changes[1].Set) != 0 {
		t.Fatalf("changes=%+v", changes)
	}
}

func TestBridge_IdenticalSelectionIsIdempotent(t *testing.T) {
	b := New(nil)
	ds := source("ds1", 3)
	var changes []Change
	defer b.OnChange(record(&changes)).Dispose()
	defer b.Track(ds).Dispose()

	ds.Select([]int64{1, 2})
	ds.Select([]int64{1, 2})
	if len(changes) != 1 {
		t.Fatalf("duplicate selection must not notify, got %d changes", len(changes))
	}
	ds.Select([]int64{2, 1})
	if len(changes) != 2 {
		t.Fatalf("reordered selection is a change, got %d", len(changes))
	}
	ds.Select(nil)
	ds.Select(nil)
	if len(changes) != 3 {
		t.Fatalf("empty to empty must not notify, got %d", len(changes))
	}
}

func TestBridge_VersionRefreshInPlace(t *testing.T) {
	b := New(nil)
	ds := source("ds1", 3)
	var changes []Change
	defer b.OnChange(record(&changes)).Dispose()
	defer b.Track(ds).Dispose()

	ds.Select([]int64{1})
	err := ds.ApplyEdits(context.Background(), datasource.Edits{
		UpdateFeatures: []model.Feature{{Attributes: model.Attributes{"OBJECTID": int64(1), "NAME": "v2"}}},
	})
	if err != nil {
		t.Fatalf("ApplyEdits: %v", err)
	}
	last := changes[len(changes)-1]
	if last.Kind != KindRefresh || last.Set["ds1"][0].Attributes["NAME"] != "v2" {
		t.Fatalf("want refresh with new values, got %+v", last)
	}
	if got := b.Snapshot()["ds1"][0].Attributes["NAME"]; got != "v2" {
		t.Fatalf("entry not refreshed: %v", got)
	}
}

// versionOnly is a data source whose selection only changes through version bumps.
type versionOnly struct {
	*datasource.Source
	ids []int64
	ver watch.Emitter[struct{}]
}

func (v *versionOnly) SelectedIDs() []int64 { return v.ids }

func (v *versionOnly) SelectedRecords() []model.Feature {
	out := make([]model.Feature, 0, len(v.ids))
	for _, id := range v.ids {
		f, _ := v.Record(id)
		out = append(out, f)
	}
	return out
}

func (v *versionOnly) OnVersionChange(fn func()) watch.Disposable {
	return v.ver.Subscribe(func(struct{}) { fn() })
}

func TestBridge_VersionWithDifferentCountIsSelectionChange(t *testing.T) {
	b := New(nil)
	ds := &versionOnly{Source: source("ds1", 3), ids: []int64{1, 2}}
	defer b.Track(ds).Dispose()
	var changes []Change
	defer b.OnChange(record(&changes)).Dispose()

	ds.ids = []int64{1, 2, 3}
	ds.ver.Emit(struct{}{})
	if len(changes) != 1 || changes[0].Kind != KindSelection || len(changes[0].Set["ds1"]) != 3 {
		t.Fatalf("changes=%+v", changes)
	}

	ds.ver.Emit(struct{}{})
	if len(changes) != 2 || changes[1].Kind != KindRefresh {
		t.Fatalf("same ids must refresh in place, changes=%+v", changes)
	}
}

func TestBridge_UntrackDropsEntryAndStopsListening(t *testing.T) {
	b := New(nil)
	ds := source("ds1", 2)
	ds.Select([]int64{1})
	d := b.Track(ds)
	if b.Snapshot().Count() != 1 {
		t.Fatalf("current selection must be applied on Track")
	}
	var changes []Change
	defer b.OnChange(record(&changes)).Dispose()

	d.Dispose()
	d.Dispose()
	if len(changes) != 1 || len(b.Snapshot()) != 0 {
		t.Fatalf("untrack changes=%d snapshot=%v", len(changes), b.Snapshot())
	}
	ds.Select([]int64{2})
	if len(changes) != 1 {
		t.Fatalf("untracked source must not notify")
	}
}

func TestBridge_SnapshotIsDeepCopy(t *testing.T) {
	b := New(nil)
	ds := source("ds1", 1)
	defer b.Track(ds).Dispose()
	ds.Select([]int64{1})
	snap := b.Snapshot()
	snap["ds1"][0].Attributes["NAME"] = "mutated"
	if b.Snapshot()["ds1"][0].Attributes["NAME"] != "v1" {
		t.Fatalf("snapshot leaked internal state")
	}
}

func TestSources_AndSync(t *testing.T) {
	view := mapview.NewBinding("m", mapview.Dim2D)
	for _, id := range []string{"a", "b"} {
		l := &mapview.Layer{ID: id, Kind: mapview.KindFeature, EditingEnabled: true}
		view.AddLayerView("v"+id, l, true, false)
		view.BindDataSource("v"+id, source("ds-"+id, 1))
	}
	cat := catalog.Build(context.Background(), view, config.Document{}, catalog.BuildOptions{CanEdit: true})
	srcs := Sources(view, cat)
	if len(srcs) != 2 {
		t.Fatalf("sources=%d", len(srcs))
	}

	b := New(nil)
	b.Sync(srcs)
	if got := b.Tracked(); !reflect.DeepEqual(got, []string{"ds-a", "ds-b"}) {
		t.Fatalf("tracked=%v", got)
	}
	b.Sync(srcs[1:])
	if got := b.Tracked(); !reflect.DeepEqual(got, []string{"ds-b"}) {
		t.Fatalf("tracked after sync=%v", got)
	}
	b.Close()
	if len(b.Tracked()) != 0 {
		t.Fatalf("Close must untrack everything")
	}
}
