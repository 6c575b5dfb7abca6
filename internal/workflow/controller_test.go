package workflow

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/mapview"
	"github.com/mohammed-shakir/editsync/internal/selection"
	"github.com/mohammed-shakir/editsync/internal/watch"
)

type fakeEditor struct {
	mu       sync.Mutex
	calls    []string
	root     *model.Feature
	layer    string
	syncing  bool
	startErr error
	panics   bool

	roots watch.Emitter[*model.Feature]
}

func (e *fakeEditor) record(s string) {
	e.mu.Lock()
	e.calls = append(e.calls, s)
	e.mu.Unlock()
}

func (e *fakeEditor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEditor) reset() {
	e.mu.Lock()
	e.calls = nil
	e.mu.Unlock()
}

func (e *fakeEditor) StartUpdate(t Target) error {
	if e.panics {
		panic("editor exploded")
	}
	e.record("update:" + t.DataSourceID)
	return e.startErr
}

func (e *fakeEditor) StartMultiUpdate(ts []Target) error {
	e.record("multi")
	return e.startErr
}

func (e *fakeEditor) Highlight(ts []Target) { e.record("highlight") }
func (e *fakeEditor) ClearSelection()       { e.record("clear") }
func (e *fakeEditor) CancelWorkflow()       { e.record("cancel") }

func (e *fakeEditor) StartCreate(layerKey string) error {
	e.mu.Lock()
	e.calls = append(e.calls, "create:"+layerKey)
	e.layer = layerKey
	e.root = &model.Feature{UID: "draft-1", Attributes: model.Attributes{}}
	e.mu.Unlock()
	e.roots.Emit(e.RootFeature())
	return nil
}

func (e *fakeEditor) setRoot(f *model.Feature) {
	e.mu.Lock()
	e.root = f
	e.mu.Unlock()
	e.roots.Emit(e.RootFeature())
}

func (e *fakeEditor) ActiveLayerKey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.layer
}

func (e *fakeEditor) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

func (e *fakeEditor) RootFeature() *model.Feature {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.root == nil {
		return nil
	}
	f := e.root.Clone()
	return &f
}

func (e *fakeEditor) OnRootFeatureChange(fn func(*model.Feature)) watch.Disposable {
	return e.roots.Subscribe(fn)
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	gate    chan struct{}
	missing map[int64]bool
	err     error
}

func (f *fakeFetcher) QueryByIDs(_ context.Context, ids []int64, withGeometry bool) ([]model.Feature, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Feature
	for _, id := range ids {
		if f.missing[id] {
			continue
		}
		ft := model.Feature{Attributes: model.Attributes{"OBJECTID": float64(id), "FULL": true}}
		if withGeometry {
			ft.Geometry = orb.Point{float64(id), 1}
		}
		out = append(out, ft)
	}
	return out, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func rec(id int64) model.Feature {
	return model.Feature{Attributes: model.Attributes{"OBJECTID": float64(id)}}
}

func newController(t *testing.T, opts Options) (*Controller, *fakeEditor, *fakeFetcher) {
	t.Helper()
	ed := &fakeEditor{}
	fetch := &fakeFetcher{}
	res, err := NewFeatureResolver(func(ds string) (LayerRef, bool) {
		return LayerRef{Key: "L-" + ds, IDField: "OBJECTID", Fetcher: fetch}, true
	}, 16, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	c := New(ed, res, opts)
	t.Cleanup(c.Close)
	return c, ed, fetch
}

func TestFlatten_FollowsLayerOrder(t *testing.T) {
	set := selection.EditFeatureSet{
		"a": {rec(1), rec(2)},
		"c": {rec(5)},
		"b": {rec(3)},
		"d": {rec(7)},
	}
	var got []int64
	for _, r := range Flatten(set, []string{"b", "x", "a"}) {
		id, _ := r.Feature.ObjectID("OBJECTID")
		got = append(got, id)
	}
	if want := []int64{3, 1, 2, 5, 7}; !reflect.DeepEqual(got, want) {
		t.Fatalf("flatten=%v want %v", got, want)
	}
}

func TestController_SingleEdit(t *testing.T) {
	c, ed, _ := newController(t, Options{Dimension: mapview.Dim2D})
	out, err := c.OnEditFeatureSet(context.Background(), selection.EditFeatureSet{"ds1": {rec(4)}}, OriginSelection)
	if err != nil {
		t.Fatalf("OnEditFeatureSet: %v", err)
	}
	wf := out.Workflow
	if wf.State != StateSingleEdit || !wf.Started || !wf.Form || wf.LayerKey != "L-ds1" {
		t.Fatalf("workflow=%+v", wf)
	}
	if wf.Features[0].Feature.Geometry == nil || wf.Features[0].Feature.Attributes["FULL"] != true {
		t.Fatalf("full feature not fetched: %+v", wf.Features[0])
	}
	if c.State() != StateSingleEdit {
		t.Fatalf("fsm state=%s", c.State())
	}
	if got := ed.Calls(); !reflect.DeepEqual(got, []string{"clear", "update:ds1"}) {
		t.Fatalf("editor calls=%v", got)
	}
}

func TestController_MultiRouting(t *testing.T) {
	set := selection.EditFeatureSet{"ds1": {rec(1), rec(2)}}

	c, ed, _ := newController(t, Options{Dimension: mapview.Dim2D, BatchEditing: true})
	out, _ := c.OnEditFeatureSet(context.Background(), set, OriginSelection)
	if out.Workflow.State != StateMultiSelect || out.Workflow.Started || out.Workflow.Form {
		t.Fatalf("2d batch should highlight: %+v", out.Workflow)
	}
	if got := ed.Calls(); !reflect.DeepEqual(got, []string{"clear", "highlight"}) {
		t.Fatalf("calls=%v", got)
	}

	c3, ed3, _ := newController(t, Options{Dimension: mapview.Dim3D, BatchEditing: true})
	out, _ = c3.OnEditFeatureSet(context.Background(), set, OriginSelection)
	if out.Workflow.State != StateMultiSelect || !out.Workflow.Started || !out.Workflow.Form || len(out.Workflow.Features) != 2 {
		t.Fatalf("3d should open multi form: %+v", out.Workflow)
	}
	if got := ed3.Calls(); !reflect.DeepEqual(got, []string{"multi"}) {
		t.Fatalf("calls=%v", got)
	}
}

func TestController_EmptySelectionCancels(t *testing.T) {
	c, ed, _ := newController(t, Options{})
	ctx := context.Background()
	if _, err := c.OnEditFeatureSet(ctx, selection.EditFeatureSet{"ds1": {rec(1)}}, OriginSelection); err != nil {
		t.Fatalf("start: %v", err)
	}
	ed.reset()
	out, err := c.OnEditFeatureSet(ctx, selection.EditFeatureSet{}, OriginSelection)
	if err != nil {
		t.Fatalf("empty: %v", err)
	}
	if out.Workflow.State != StateIdle || c.State() != StateIdle {
		t.Fatalf("want idle, got %+v / %s", out.Workflow, c.State())
	}
	if got := ed.Calls(); !reflect.DeepEqual(got, []string{"cancel", "clear"}) {
		t.Fatalf("calls=%v", got)
	}
}

func TestController_NoFeaturesIsRecoverable(t *testing.T) {
	c, _, fetch := newController(t, Options{})
	fetch.missing = map[int64]bool{9: true}
	out, err := c.OnEditFeatureSet(context.Background(), selection.EditFeatureSet{"ds1": {rec(9)}}, OriginSelection)
	if !errors.Is(err, ErrNoFeatures) {
		t.Fatalf("want ErrNoFeatures, got %v", err)
	}
	if out.Workflow.State != StateIdle {
		t.Fatalf("want idle, got %+v", out.Workflow)
	}

	fetch.err = errors.New("query failed")
	if _, err := c.OnEditFeatureSet(context.Background(), selection.EditFeatureSet{"ds1": {rec(3)}}, OriginSelection); !errors.Is(err, ErrNoFeatures) {
		t.Fatalf("query error should read as no features, got %v", err)
	}
}

func TestController_StaleStartDropped(t *testing.T) {
	c, _, fetch := newController(t, Options{})
	gate := make(chan struct{})
	fetch.gate = gate

	first := make(chan Outcome, 1)
	go func() {
		out, _ := c.OnEditFeatureSet(context.Background(), selection.EditFeatureSet{"ds1": {rec(1)}}, OriginSelection)
		first <- out
	}()
	deadline := time.Now().Add(time.Second)
	for fetch.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	second, err := c.OnEditFeatureSet(context.Background(), selection.EditFeatureSet{"ds2": {rec(2)}}, OriginSelection)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	close(gate)
	out := <-first
	if !out.Stale {
		t.Fatalf("first start should be stale: %+v", out)
	}
	if wf := c.Workflow(); wf.LayerKey != "L-ds2" || wf.Generation != second.Workflow.Generation {
		t.Fatalf("newer workflow replaced: %+v", wf)
	}
}

func TestController_EditorSelectionSuppressedForCooldown(t *testing.T) {
	c, ed, _ := newController(t, Options{Cooldown: 20 * time.Millisecond})
	ctx := context.Background()
	c.MarkEditorSelection()
	out, err := c.OnEditFeatureSet(ctx, selection.EditFeatureSet{"ds1": {rec(1)}}, OriginSelection)
	if err != nil || !out.Suppressed {
		t.Fatalf("want suppressed, got %+v err=%v", out, err)
	}
	if len(ed.Calls()) != 0 {
		t.Fatalf("suppressed change reached editor: %v", ed.Calls())
	}
	if got := c.EditFeatureSet(); got.Count() != 1 {
		t.Fatalf("suppressed change not recorded: %v", got)
	}

	time.Sleep(60 * time.Millisecond)
	out, _ = c.OnEditFeatureSet(ctx, selection.EditFeatureSet{"ds1": {rec(2)}}, OriginSelection)
	if out.Suppressed || out.Workflow.State != StateSingleEdit {
		t.Fatalf("suppression outlived cooldown: %+v", out)
	}
}

func TestController_EditorMarkWithoutChangeExpires(t *testing.T) {
	c, ed, _ := newController(t, Options{Cooldown: 20 * time.Millisecond})
	ctx := context.Background()
	c.MarkEditorSelection()

	time.Sleep(60 * time.Millisecond)
	out, err := c.OnEditFeatureSet(ctx, selection.EditFeatureSet{"ds1": {rec(1)}}, OriginSelection)
	if err != nil || out.Suppressed || out.Workflow.State != StateSingleEdit {
		t.Fatalf("selection after an unused editor mark: %+v err=%v", out, err)
	}
	if len(ed.Calls()) == 0 {
		t.Fatalf("workflow did not reach the editor")
	}
}

func TestController_VisibilityResumesFromCache(t *testing.T) {
	c, ed, fetch := newController(t, Options{})
	ctx := context.Background()
	set := selection.EditFeatureSet{"ds1": {rec(1)}}
	if _, err := c.OnEditFeatureSet(ctx, set, OriginSelection); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.SetVisible(ctx, false); err != nil {
		t.Fatalf("hide: %v", err)
	}
	if c.State() != StateIdle || c.EditFeatureSet().Count() != 1 {
		t.Fatalf("hide should cancel and retain: state=%s set=%v", c.State(), c.EditFeatureSet())
	}

	if out, _ := c.OnEditFeatureSet(ctx, set, OriginSelection); out.Workflow.Started {
		t.Fatalf("hidden container started a workflow")
	}

	ed.reset()
	out, err := c.SetVisible(ctx, true)
	if err != nil || out.Workflow.State != StateSingleEdit {
		t.Fatalf("show: %+v err=%v", out, err)
	}
	if fetch.Calls() != 1 {
		t.Fatalf("resume refetched: calls=%d", fetch.Calls())
	}

	changed := selection.EditFeatureSet{"ds1": {{Attributes: model.Attributes{"OBJECTID": 1.0, "STATUS": "closed"}}}}
	if _, err := c.OnEditFeatureSet(ctx, changed, OriginSelection); err != nil {
		t.Fatalf("changed: %v", err)
	}
	if fetch.Calls() != 2 {
		t.Fatalf("changed attributes should refetch: calls=%d", fetch.Calls())
	}
}

func TestController_RefreshWhileSyncing(t *testing.T) {
	c, ed, _ := newController(t, Options{})
	ctx := context.Background()
	ed.syncing = true

	out, _ := c.OnEditFeatureSet(ctx, selection.EditFeatureSet{"ds1": {rec(1), rec(2)}}, OriginRefresh)
	if !out.Ignored || len(ed.Calls()) != 0 {
		t.Fatalf("multi-feature refresh while syncing should be ignored: %+v calls=%v", out, ed.Calls())
	}
	out, _ = c.OnEditFeatureSet(ctx, selection.EditFeatureSet{"ds1": {rec(1)}}, OriginRefresh)
	if out.Ignored || out.Workflow.State != StateSingleEdit {
		t.Fatalf("single-feature refresh should restart: %+v", out)
	}
}

func TestController_PanickingEditorLeavesIdle(t *testing.T) {
	c, ed, _ := newController(t, Options{})
	ed.panics = true
	_, err := c.OnEditFeatureSet(context.Background(), selection.EditFeatureSet{"ds1": {rec(1)}}, OriginSelection)
	if err == nil {
		t.Fatalf("want error")
	}
	if c.State() != StateIdle || c.Workflow().State != StateIdle {
		t.Fatalf("want idle after failure, got %s", c.State())
	}
}

func TestController_CreateFlowOncePerFeature(t *testing.T) {
	type call struct {
		layer string
		f     model.Feature
	}
	got := make(chan call, 4)
	c, ed, _ := newController(t, Options{
		GeometryWait: time.Second,
		OnNewFeature: func(_ context.Context, layer string, f model.Feature) { got <- call{layer, f} },
	})
	out, err := c.BeginCreate(context.Background(), "poles")
	if err != nil || c.State() != StateCreating || out.Workflow.LayerKey != "poles" {
		t.Fatalf("BeginCreate: %+v err=%v state=%s", out, err, c.State())
	}

	ed.setRoot(&model.Feature{UID: "draft-1", Attributes: model.Attributes{}, Geometry: orb.Point{1, 2}})
	select {
	case cl := <-got:
		if cl.layer != "poles" || cl.f.Geometry == nil {
			t.Fatalf("hook call=%+v", cl)
		}
	case <-time.After(time.Second):
		t.Fatalf("hook not called")
	}

	ed.setRoot(&model.Feature{UID: "draft-1", Attributes: model.Attributes{"A": 1}, Geometry: orb.Point{1, 2}})
	ed.setRoot(&model.Feature{Attributes: model.Attributes{"OBJECTID": 5.0}, Geometry: orb.Point{1, 2}})
	select {
	case cl := <-got:
		t.Fatalf("hook called again: %+v", cl)
	case <-time.After(50 * time.Millisecond):
	}
	if !c.Processed("uid:draft-1") {
		t.Fatalf("draft key not recorded")
	}

	c.Close()
	if c.Processed("uid:draft-1") {
		t.Fatalf("Close should clear processed keys")
	}
}

func TestController_CreateFlowConcurrentEmissions(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	c, _, _ := newController(t, Options{
		GeometryWait: time.Second,
		OnNewFeature: func(context.Context, string, model.Feature) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})
	if _, err := c.BeginCreate(context.Background(), "poles"); err != nil {
		t.Fatalf("BeginCreate: %v", err)
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.onRootFeature(&model.Feature{UID: "draft-2", Attributes: model.Attributes{}, Geometry: orb.Point{3, 4}})
		}()
	}
	wg.Wait()
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("hook calls=%d want 1", calls)
	}
}

func TestWaitForGeometry_TimeoutDisposesWatch(t *testing.T) {
	ed := &fakeEditor{root: &model.Feature{UID: "d", Attributes: model.Attributes{}}}
	if f := WaitForGeometry(context.Background(), ed, 20*time.Millisecond); f != nil {
		t.Fatalf("want nil, got %+v", f)
	}
	if n := ed.roots.Len(); n != 0 {
		t.Fatalf("watch leaked: %d listeners", n)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		ed.setRoot(&model.Feature{UID: "d", Attributes: model.Attributes{}, Geometry: orb.Point{0, 0}})
	}()
	if f := WaitForGeometry(context.Background(), ed, time.Second); f == nil || f.Geometry == nil {
		t.Fatalf("want feature with geometry, got %+v", f)
	}
}

func TestController_CloseStopsEverything(t *testing.T) {
	c, ed, _ := newController(t, Options{Cooldown: time.Hour})
	ctx := context.Background()
	if _, err := c.OnEditFeatureSet(ctx, selection.EditFeatureSet{"ds1": {rec(1)}}, OriginSelection); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.MarkEditorSelection()
	_, _ = c.OnEditFeatureSet(ctx, selection.EditFeatureSet{"ds1": {rec(2)}}, OriginSelection)

	c.Close()
	if c.State() != StateIdle {
		t.Fatalf("state=%s", c.State())
	}
	if ed.roots.Len() != 0 {
		t.Fatalf("root watch not disposed")
	}
	if _, err := c.OnEditFeatureSet(ctx, selection.EditFeatureSet{}, OriginSelection); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	c.Close()
}
