package catalog

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/mohammed-shakir/editsync/internal/core/config"
	"github.com/mohammed-shakir/editsync/internal/datasource"
	"github.com/mohammed-shakir/editsync/internal/mapview"
)

func boolp(b bool) *bool { return &b }

func editableLayer(id string) *mapview.Layer {
	return &mapview.Layer{
		ID:             id,
		Title:          id,
		Kind:           mapview.KindFeature,
		EditingEnabled: true,
		Capabilities:   mapview.Capabilities{Add: true, Update: true, Delete: true},
	}
}

// addView adds a visible view of l bound to a data source named "ds-"+l.ID.
func addView(b *mapview.Binding, viewID string, l *mapview.Layer) {
	b.AddLayerView(viewID, l, true, false)
	b.BindDataSource(viewID, datasource.NewSource("ds-"+l.ID, ""))
}

func TestBuild_CustomOrderAllowListAndUneditable(t *testing.T) {
	b := mapview.NewBinding("map1", mapview.Dim2D)
	a, bb, c, d := editableLayer("A"), editableLayer("B"), editableLayer("C"), editableLayer("D")
	addView(b, "va", a)
	addView(b, "vb", bb)
	addView(b, "vc", c)
	addView(b, "vd", d)
	b.AddLayer(&mapview.Layer{ID: "nov", Kind: mapview.KindFeature})
	b.AddLayer(&mapview.Layer{ID: "tiles", Kind: mapview.KindTile})

	doc := config.Document{MapViews: map[string]config.MapViewConfig{
		"map1": {
			CustomizeLayers: true,
			LayerViewIDs:    []string{"va", "vb", "vc"},
			Layers:          []config.LayerConfig{{ID: "ds-C"}, {ID: "ds-A", DeleteRecords: boolp(false)}},
		},
	}}
	cat := Build(context.Background(), b, doc, BuildOptions{CanEdit: true})

	if got := cat.Keys(); !reflect.DeepEqual(got, []string{"C", "A", "B"}) {
		t.Fatalf("order=%v want [C A B]", got)
	}
	if got := cat.LayerOrder(); !reflect.DeepEqual(got, []string{"ds-C", "ds-A", "ds-B"}) {
		t.Fatalf("layer order=%v", got)
	}
	descA, _ := cat.Find("A")
	if descA.Flags.Delete || !descA.Flags.Add {
		t.Fatalf("override not applied: %+v", descA.Flags)
	}
	if !cat.ShowUpdateAvailable {
		t.Fatalf("update available must be true")
	}
	un := map[string]string{}
	for _, u := range cat.Uneditable {
		un[u.Key] = u.Reason
	}
	if un["D"] != reasonNotListed || un["nov"] != reasonNoView {
		t.Fatalf("uneditable=%v", un)
	}
	if _, ok := un["tiles"]; ok {
		t.Fatalf("unsupported kinds must be dropped")
	}
}

func TestBuild_OrderIsMapOrderWithoutCustomization(t *testing.T) {
	b := mapview.NewBinding("map1", mapview.Dim2D)
	addView(b, "v1", editableLayer("X"))
	addView(b, "v2", editableLayer("Y"))
	doc := config.Document{MapViews: map[string]config.MapViewConfig{
		"map1": {Layers: []config.LayerConfig{{ID: "ds-Y"}, {ID: "ds-X"}}},
	}}
	cat := Build(context.Background(), b, doc, BuildOptions{CanEdit: true})
	if got := cat.Keys(); !reflect.DeepEqual(got, []string{"X", "Y"}) {
		t.Fatalf("order=%v", got)
	}
}

func TestBuild_EditabilityRules(t *testing.T) {
	b := mapview.NewBinding("map1", mapview.Dim2D)
	hidden := editableLayer("hidden")
	b.AddLayerView("vh", hidden, false, false)
	b.BindDataSource("vh", datasource.NewSource("ds-hidden", ""))

	ro := editableLayer("ro")
	ro.EditingEnabled = false
	addView(b, "vro", ro)

	broken := editableLayer("broken")
	b.AddLayerView("vbroken", broken, true, false)
	b.FailDataSource("vbroken", errors.New("no source"))

	cat := Build(context.Background(), b, config.Document{}, BuildOptions{CanEdit: true})
	if len(cat.Editable) != 0 {
		t.Fatalf("editable=%v want none", cat.Keys())
	}
	reasons := map[string]string{}
	for _, u := range cat.Uneditable {
		reasons[u.Key] = u.Reason
	}
	want := map[string]string{"hidden": reasonHidden, "ro": reasonNotEditing, "broken": reasonUnresolved}
	if !reflect.DeepEqual(reasons, want) {
		t.Fatalf("reasons=%v want %v", reasons, want)
	}

	live := Build(context.Background(), b, config.Document{LiveDataEditing: true}, BuildOptions{CanEdit: true})
	if got := live.Keys(); !reflect.DeepEqual(got, []string{"ro"}) {
		t.Fatalf("live data editing keys=%v", got)
	}
}

func TestBuild_NoPrivilegeClearsFlags(t *testing.T) {
	b := mapview.NewBinding("map1", mapview.Dim2D)
	addView(b, "v1", editableLayer("A"))
	cat := Build(context.Background(), b, config.Document{}, BuildOptions{CanEdit: false})
	if len(cat.Editable) != 1 || cat.Editable[0].Flags.Any() || cat.ShowUpdateAvailable {
		t.Fatalf("flags must be cleared: %+v", cat)
	}
}

func TestBuild_RelatedTablesInheritFlagsOnce(t *testing.T) {
	b := mapview.NewBinding("map1", mapview.Dim2D)
	p1 := editableLayer("P1")
	p1.Capabilities = mapview.Capabilities{Add: true, Update: false, Delete: true, UpdateAttributes: true}
	p1.FormHasRelationships = true
	p1.Relationships = []mapview.Relationship{{ID: 0, RelatedLayerID: "7"}, {ID: 1, RelatedLayerID: "99"}}
	p2 := editableLayer("P2")
	p2.FormHasRelationships = true
	p2.Relationships = []mapview.Relationship{{ID: 0, RelatedLayerID: "7"}}
	addView(b, "v1", p1)
	addView(b, "v2", p2)
	b.AddTable(&mapview.Layer{ID: "inspections", LayerID: "7", Kind: mapview.KindFeature})

	cat := Build(context.Background(), b, config.Document{}, BuildOptions{CanEdit: true})
	if got := cat.Keys(); !reflect.DeepEqual(got, []string{"P1", "P2", "table:inspections"}) {
		t.Fatalf("keys=%v", got)
	}
	tbl, _ := cat.Find("table:inspections")
	if tbl.ParentKey != "P1" || !tbl.Flags.Add || tbl.Flags.Update || !tbl.Flags.Delete || !tbl.IsTable {
		t.Fatalf("table descriptor=%+v", tbl)
	}
	p1d, _ := cat.Find("P1")
	if tbl.Flags != p1d.Flags || !tbl.Flags.UpdateAttributes || tbl.Flags.UpdateGeometries {
		t.Fatalf("table flags=%+v parent=%+v", tbl.Flags, p1d.Flags)
	}
	p2d, _ := cat.Find("P2")
	if !reflect.DeepEqual(p2d.RelatedTables, []string{"table:inspections"}) {
		t.Fatalf("P2 related=%v", p2d.RelatedTables)
	}
}

func TestRebuilder_TriggersAndDebounce(t *testing.T) {
	b := mapview.NewBinding("map1", mapview.Dim2D)
	addView(b, "v1", editableLayer("A"))

	r := NewRebuilder(b, config.Document{}, BuildOptions{CanEdit: true}, 30*time.Millisecond)
	got := make(chan Catalog, 16)
	defer r.OnChange(func(c Catalog) { got <- c }).Dispose()

	r.Start(context.Background())
	<-got

	// runtime views rebuild immediately
	l2 := editableLayer("B")
	b.BindDataSource("v2", datasource.NewSource("ds-B", ""))
	b.AddLayerView("v2", l2, true, true)
	select {
	case c := <-got:
		if len(c.Editable) != 2 {
			t.Fatalf("runtime rebuild editable=%v", c.Keys())
		}
	default:
		t.Fatalf("runtime-created view must rebuild synchronously")
	}

	// a burst of membership events yields one debounced rebuild
	l3 := editableLayer("C")
	b.BindDataSource("v3", datasource.NewSource("ds-C", ""))
	b.AddLayerView("v3", l3, true, false)
	b.AddLayerView("v4", editableLayer("D"), true, false)
	if !r.Pending() {
		t.Fatalf("expected a pending rebuild")
	}
	select {
	case <-got:
		t.Fatalf("membership change must be debounced")
	default:
	}
	select {
	case c := <-got:
		if len(c.Editable) != 3 {
			t.Fatalf("debounced rebuild editable=%v", c.Keys())
		}
	case <-time.After(time.Second):
		t.Fatalf("debounced rebuild never fired")
	}
	select {
	case <-got:
		t.Fatalf("only one debounced rebuild expected")
	case <-time.After(80 * time.Millisecond):
	}

	// visibility rebuilds immediately
	b.SetVisible("v1", false)
	select {
	case c := <-got:
		if _, ok := c.Find("A"); ok {
			t.Fatalf("hidden layer must not be editable")
		}
	default:
		t.Fatalf("visibility change must rebuild synchronously")
	}
}

func TestRebuilder_DebouncedRebuildSkippedWhenCountUnchanged(t *testing.T) {
	b := mapview.NewBinding("map1", mapview.Dim2D)
	addView(b, "v1", editableLayer("A"))
	r := NewRebuilder(b, config.Document{}, BuildOptions{CanEdit: true}, 20*time.Millisecond)
	r.Start(context.Background())

	n := 0
	defer r.OnChange(func(Catalog) { n++ }).Dispose()

	b.AddLayerView("tmp", editableLayer("T"), true, false)
	b.RemoveLayerView("tmp")
	time.Sleep(80 * time.Millisecond)
	if n != 0 {
		t.Fatalf("rebuilds=%d want 0 when the view count is unchanged", n)
	}
}

func TestRebuilder_StopCancelsPendingTimer(t *testing.T) {
	b := mapview.NewBinding("map1", mapview.Dim2D)
	r := NewRebuilder(b, config.Document{}, BuildOptions{CanEdit: true}, 20*time.Millisecond)
	r.Start(context.Background())

	n := 0
	defer r.OnChange(func(Catalog) { n++ }).Dispose()

	b.AddLayerView("v1", editableLayer("A"), true, false)
	r.Stop()
	if r.Pending() {
		t.Fatalf("Stop must clear the pending timer")
	}
	b.SetVisible("v1", false)
	time.Sleep(60 * time.Millisecond)
	if n != 0 {
		t.Fatalf("rebuilds after Stop=%d", n)
	}
}

func TestRebuilder_SetDocumentRebuilds(t *testing.T) {
	b := mapview.NewBinding("map1", mapview.Dim2D)
	addView(b, "v1", editableLayer("A"))
	r := NewRebuilder(b, config.Document{}, BuildOptions{CanEdit: true}, time.Second)
	defer r.Stop()
	r.Start(context.Background())

	doc := config.Document{MapViews: map[string]config.MapViewConfig{"map1": {CustomizeLayers: true}}}
	c := r.SetDocument(context.Background(), doc)
	if len(c.Editable) != 0 || len(r.Current().Editable) != 0 {
		t.Fatalf("empty allow-list must leave nothing editable: %v", c.Keys())
	}
}
