// Package selection merges per-data-source selections into one edit feature set.
package selection

import (
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/mohammed-shakir/editsync/internal/catalog"
	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
	"github.com/mohammed-shakir/editsync/internal/datasource"
	"github.com/mohammed-shakir/editsync/internal/mapview"
	"github.com/mohammed-shakir/editsync/internal/watch"
)

// EditFeatureSet maps a data source id to its selected records. Entries are
// never empty.
type EditFeatureSet map[string][]model.Feature

func (s EditFeatureSet) Clone() EditFeatureSet {
	out := make(EditFeatureSet, len(s))
	for k, fs := range s {
		cp := make([]model.Feature, len(fs))
		for i, f := range fs {
			cp[i] = f.Clone()
		}
		out[k] = cp
	}
	return out
}

func (s EditFeatureSet) Count() int {
	n := 0
	for _, fs := range s {
		n += len(fs)
	}
	return n
}

// SourceIDs returns the data source ids in sorted order.
func (s EditFeatureSet) SourceIDs() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type Kind int

const (
	KindSelection Kind = iota
	// KindRefresh reports new attribute values for an unchanged selection.
	KindRefresh
)

func (k Kind) String() string {
	if k == KindRefresh {
		return "refresh"
	}
	return "selection"
}

type Change struct {
	Kind         Kind
	DataSourceID string
	Set          EditFeatureSet
}

type tracked struct {
	ds   datasource.DataSource
	subs watch.Disposable
}

type Bridge struct {
	log *slog.Logger

	mu      sync.Mutex
	entries map[string][]model.Feature
	ids     map[string][]int64
	tracked map[string]tracked

	listeners watch.Emitter[Change]
}

func New(log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Bridge{
		log:     log,
		entries: map[string][]model.Feature{},
		ids:     map[string][]int64{},
		tracked: map[string]tracked{},
	}
}

// Track subscribes to the selection and version of ds and applies its
// current selection. Tracking an already tracked id is a no-op.
func (b *Bridge) Track(ds datasource.DataSource) watch.Disposable {
	id := ds.ID()
	b.mu.Lock()
	if _, ok := b.tracked[id]; ok {
		b.mu.Unlock()
		return watch.Once(func() { b.Untrack(id) })
	}
	var g watch.Group
	g.Add(
		ds.OnSelectionChange(func() { b.onSelection(ds) }),
		ds.OnVersionChange(func() { b.onVersion(ds) }),
	)
	b.tracked[id] = tracked{ds: ds, subs: &g}
	b.mu.Unlock()

	b.onSelection(ds)
	return watch.Once(func() { b.Untrack(id) })
}

// Untrack releases the subscriptions of a data source and drops its entry.
func (b *Bridge) Untrack(id string) {
	b.mu.Lock()
	t, ok := b.tracked[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.tracked, id)
	_, had := b.entries[id]
	delete(b.entries, id)
	delete(b.ids, id)
	snap := b.snapshotLocked()
	b.mu.Unlock()

	t.subs.Dispose()
	if had {
		b.listeners.Emit(Change{Kind: KindSelection, DataSourceID: id, Set: snap})
	}
}

// Sync tracks exactly the given data sources.
func (b *Bridge) Sync(sources []datasource.DataSource) {
	want := map[string]bool{}
	for _, ds := range sources {
		want[ds.ID()] = true
	}
	b.mu.Lock()
	var drop []string
	for id := range b.tracked {
		if !want[id] {
			drop = append(drop, id)
		}
	}
	b.mu.Unlock()
	sort.Strings(drop)
	for _, id := range drop {
		b.Untrack(id)
	}
	for _, ds := range sources {
		b.Track(ds)
	}
}

func (b *Bridge) Tracked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.tracked))
	for id := range b.tracked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *Bridge) Snapshot() EditFeatureSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Bridge) snapshotLocked() EditFeatureSet {
	return EditFeatureSet(b.entries).Clone()
}

func (b *Bridge) OnChange(fn func(Change)) watch.Disposable {
	return b.listeners.Subscribe(fn)
}

// Close untracks every data source.
func (b *Bridge) Close() {
	for _, id := range b.Tracked() {
		b.Untrack(id)
	}
}

func (b *Bridge) onSelection(ds datasource.DataSource) {
	id := ds.ID()
	ids := ds.SelectedIDs()
	recs := ds.SelectedRecords()

	b.mu.Lock()
	if _, ok := b.tracked[id]; !ok {
		b.mu.Unlock()
		return
	}
	if slices.Equal(b.ids[id], ids) {
		b.mu.Unlock()
		observability.IncSelectionEvent("deduped")
		return
	}
	result := b.replaceLocked(id, ids, recs)
	snap := b.snapshotLocked()
	b.mu.Unlock()

	observability.IncSelectionEvent(result)
	b.log.Debug("selection changed", "data_source", id, "selected", len(ids))
	b.listeners.Emit(Change{Kind: KindSelection, DataSourceID: id, Set: snap})
}

func (b *Bridge) onVersion(ds datasource.DataSource) {
	id := ds.ID()
	ids := ds.SelectedIDs()

	b.mu.Lock()
	if _, ok := b.tracked[id]; !ok {
		b.mu.Unlock()
		return
	}
	prev := b.ids[id]
	if len(prev) != len(ids) || !slices.Equal(prev, ids) {
		b.mu.Unlock()
		b.onSelection(ds)
		return
	}
	if len(ids) == 0 {
		b.mu.Unlock()
		return
	}
	b.entries[id] = ds.SelectedRecords()
	snap := b.snapshotLocked()
	b.mu.Unlock()

	observability.IncSelectionEvent("refreshed")
	b.listeners.Emit(Change{Kind: KindRefresh, DataSourceID: id, Set: snap})
}

func (b *Bridge) replaceLocked(id string, ids []int64, recs []model.Feature) string {
	if len(ids) == 0 || len(recs) == 0 {
		delete(b.entries, id)
		delete(b.ids, id)
		return "cleared"
	}
	b.entries[id] = recs
	b.ids[id] = slices.Clone(ids)
	return "applied"
}

// Sources resolves the data sources of the editable, non-table layers of a
// catalog. Unresolvable views are skipped.
func Sources(view mapview.MapView, cat catalog.Catalog) []datasource.DataSource {
	views := view.LayerViews()
	var out []datasource.DataSource
	seen := map[string]bool{}
	for _, d := range cat.Editable {
		if d.IsTable || d.LayerViewID == "" {
			continue
		}
		i := slices.IndexFunc(views, func(lv mapview.LayerView) bool { return lv.ID == d.LayerViewID })
		if i < 0 {
			continue
		}
		ds, err := view.DataSourceFor(views[i])
		if err != nil || ds == nil || seen[ds.ID()] {
			continue
		}
		seen[ds.ID()] = true
		out = append(out, ds)
	}
	return out
}
