package mapview

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mohammed-shakir/editsync/internal/datasource"
	"github.com/mohammed-shakir/editsync/internal/watch"
)

// Binding is an in-memory MapView driven by explicit calls.
type Binding struct {
	id  string
	dim string

	mu      sync.RWMutex
	layers  []*Layer
	tables  []*Layer
	views   []LayerView
	sources map[string]datasource.DataSource
	failing map[string]error

	visibility watch.Emitter[LayerView]
	created    watch.Emitter[LayerView]
	removed    watch.Emitter[LayerView]
}

var _ MapView = (*Binding)(nil)

func NewBinding(id, dimension string) *Binding {
	if dimension == "" {
		dimension = Dim2D
	}
	return &Binding{
		id:      id,
		dim:     dimension,
		sources: map[string]datasource.DataSource{},
		failing: map[string]error{},
	}
}

func (b *Binding) ID() string        { return b.id }
func (b *Binding) Dimension() string { return b.dim }

// AddLayer appends a map layer without a layer view.
func (b *Binding) AddLayer(l *Layer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.layers = append(b.layers, l)
}

func (b *Binding) AddTable(l *Layer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l.IsTable = true
	b.tables = append(b.tables, l)
}

// AddLayerView creates a view for l (adding l to the map when missing) and
// notifies created listeners.
func (b *Binding) AddLayerView(viewID string, l *Layer, visible, fromRuntime bool) LayerView {
	lv := LayerView{ID: viewID, Layer: l, Visible: visible, FromRuntime: fromRuntime}
	b.mu.Lock()
	if !slices.Contains(b.layers, l) {
		b.layers = append(b.layers, l)
	}
	b.views = append(b.views, lv)
	b.mu.Unlock()
	b.created.Emit(lv)
	return lv
}

func (b *Binding) RemoveLayerView(viewID string) bool {
	b.mu.Lock()
	i := slices.IndexFunc(b.views, func(v LayerView) bool { return v.ID == viewID })
	if i < 0 {
		b.mu.Unlock()
		return false
	}
	lv := b.views[i]
	b.views = slices.Delete(b.views, i, i+1)
	b.mu.Unlock()
	b.removed.Emit(lv)
	return true
}

func (b *Binding) SetVisible(viewID string, visible bool) bool {
	b.mu.Lock()
	i := slices.IndexFunc(b.views, func(v LayerView) bool { return v.ID == viewID })
	if i < 0 || b.views[i].Visible == visible {
		b.mu.Unlock()
		return false
	}
	b.views[i].Visible = visible
	lv := b.views[i]
	b.mu.Unlock()
	b.visibility.Emit(lv)
	return true
}

// BindDataSource associates the data source backing a layer view.
func (b *Binding) BindDataSource(viewID string, ds datasource.DataSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sources[viewID] = ds
	delete(b.failing, viewID)
}

// FailDataSource makes resolution for viewID return err.
func (b *Binding) FailDataSource(viewID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing[viewID] = err
}

func (b *Binding) LayerViews() []LayerView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.views)
}

func (b *Binding) AllLayers() []*Layer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.layers)
}

func (b *Binding) Tables() []*Layer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.tables)
}

func (b *Binding) DataSourceFor(lv LayerView) (datasource.DataSource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err, ok := b.failing[lv.ID]; ok {
		return nil, fmt.Errorf("resolve data source for %s: %w", lv.ID, err)
	}
	ds, ok := b.sources[lv.ID]
	if !ok {
		return nil, fmt.Errorf("resolve data source for %s: %w", lv.ID, datasource.ErrNotFound)
	}
	return ds, nil
}

func (b *Binding) OnVisibilityChange(fn func(LayerView)) watch.Disposable {
	return b.visibility.Subscribe(fn)
}

func (b *Binding) OnLayerViewCreated(fn func(LayerView)) watch.Disposable {
	return b.created.Subscribe(fn)
}

func (b *Binding) OnLayerViewRemoved(fn func(LayerView)) watch.Disposable {
	return b.removed.Subscribe(fn)
}
