package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mohammed-shakir/editsync/internal/core/featureservice"
	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/datasource"
	"github.com/mohammed-shakir/editsync/internal/mapview"
)

var ErrInvalidView = errors.New("session: invalid view")

// ViewSpec describes the map view a client edits: its layers in map order and
// its standalone tables.
type ViewSpec struct {
	ID        string      `json:"id"`
	Dimension string      `json:"dimension,omitempty"`
	Layers    []LayerSpec `json:"layers"`
	Tables    []LayerSpec `json:"tables,omitempty"`
}

// LayerSpec is one map layer. A layer with a ViewID gets a layer view backed
// by an in-memory data source.
type LayerSpec struct {
	ID                   string                 `json:"id"`
	Title                string                 `json:"title"`
	Kind                 mapview.Kind           `json:"kind"`
	URL                  string                 `json:"url,omitempty"`
	LayerID              string                 `json:"layerId,omitempty"`
	EditingEnabled       bool                   `json:"editingEnabled"`
	Schema               model.LayerSchema      `json:"schema"`
	Capabilities         mapview.Capabilities   `json:"capabilities"`
	Relationships        []mapview.Relationship `json:"relationships,omitempty"`
	FormHasRelationships bool                   `json:"formHasRelationships,omitempty"`
	ViewID               string                 `json:"viewId,omitempty"`
	Hidden               bool                   `json:"hidden,omitempty"`
	DataSourceID         string                 `json:"dataSourceId,omitempty"`
}

func (v ViewSpec) Validate() error {
	if strings.TrimSpace(v.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidView)
	}
	switch v.Dimension {
	case "", mapview.Dim2D, mapview.Dim3D:
	default:
		return fmt.Errorf("%w: dimension must be 2d or 3d", ErrInvalidView)
	}
	seen := map[string]bool{}
	for _, l := range append(append([]LayerSpec(nil), v.Layers...), v.Tables...) {
		if strings.TrimSpace(l.ID) == "" {
			return fmt.Errorf("%w: layer id is required", ErrInvalidView)
		}
		if seen[l.ID] {
			return fmt.Errorf("%w: duplicate layer %q", ErrInvalidView, l.ID)
		}
		seen[l.ID] = true
	}
	return nil
}

// ServiceFactory opens the remote transport of a layer.
type ServiceFactory func(l *mapview.Layer) (mapview.Service, error)

// FeatureServiceFactory opens layers on the feature service with client.
// Relative layer urls resolve against base.
func FeatureServiceFactory(log *slog.Logger, client *http.Client, base string) ServiceFactory {
	return func(l *mapview.Layer) (mapview.Service, error) {
		raw := featureservice.ResolveLayerURL(base, l.URL)
		fl, err := featureservice.NewLayer(log, client, raw, l.Schema.EffectiveIDField())
		if err != nil {
			return nil, err
		}
		return fl, nil
	}
}

type recordLoader interface {
	QueryWhere(ctx context.Context, where string, opts ...featureservice.QueryOption) ([]model.Feature, error)
}

// Binder turns view specs into map view bindings with loaded data sources.
type Binder struct {
	services ServiceFactory
	mirror   *datasource.RedisMirror
	log      *slog.Logger
}

func NewBinder(services ServiceFactory, mirror *datasource.RedisMirror, log *slog.Logger) *Binder {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Binder{services: services, mirror: mirror, log: log}
}

// Bind builds the binding of spec. Layers whose service cannot be opened are
// kept without a transport and stay read-only.
func (b *Binder) Bind(ctx context.Context, spec ViewSpec) (*mapview.Binding, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	view := mapview.NewBinding(spec.ID, spec.Dimension)
	for _, ls := range spec.Layers {
		l := b.layer(ls)
		if ls.ViewID == "" {
			view.AddLayer(l)
			continue
		}
		view.AddLayerView(ls.ViewID, l, !ls.Hidden, false)
		view.BindDataSource(ls.ViewID, b.source(ctx, ls, l))
	}
	for _, ts := range spec.Tables {
		view.AddTable(b.layer(ts))
	}
	return view, nil
}

// LayerViews is a map view whose layer views change while a session is open.
type LayerViews interface {
	mapview.MapView
	AddLayerView(viewID string, l *mapview.Layer, visible, fromRuntime bool) mapview.LayerView
	RemoveLayerView(viewID string) bool
	SetVisible(viewID string, visible bool) bool
	BindDataSource(viewID string, ds datasource.DataSource)
}

// AddLayerView binds the data source of ls and then adds its layer view, so
// created listeners always find a resolvable source. A layer already on the
// map is reused.
func (b *Binder) AddLayerView(ctx context.Context, view LayerViews, ls LayerSpec, fromRuntime bool) (mapview.LayerView, error) {
	if strings.TrimSpace(ls.ID) == "" || strings.TrimSpace(ls.ViewID) == "" {
		return mapview.LayerView{}, fmt.Errorf("%w: layer id and view id are required", ErrInvalidView)
	}
	for _, lv := range view.LayerViews() {
		if lv.ID == ls.ViewID {
			return mapview.LayerView{}, fmt.Errorf("%w: duplicate layer view %q", ErrInvalidView, ls.ViewID)
		}
	}
	var l *mapview.Layer
	for _, have := range view.AllLayers() {
		if have.ID == ls.ID {
			l = have
			break
		}
	}
	if l == nil {
		l = b.layer(ls)
	}
	view.BindDataSource(ls.ViewID, b.source(ctx, ls, l))
	return view.AddLayerView(ls.ViewID, l, !ls.Hidden, fromRuntime), nil
}

func (b *Binder) layer(ls LayerSpec) *mapview.Layer {
	l := &mapview.Layer{
		ID:                   ls.ID,
		Title:                ls.Title,
		Kind:                 ls.Kind,
		URL:                  ls.URL,
		LayerID:              ls.LayerID,
		EditingEnabled:       ls.EditingEnabled,
		Schema:               ls.Schema,
		Capabilities:         ls.Capabilities,
		Relationships:        ls.Relationships,
		FormHasRelationships: ls.FormHasRelationships,
	}
	if l.Kind == "" {
		l.Kind = mapview.KindFeature
	}
	if ls.URL == "" || b.services == nil {
		return l
	}
	svc, err := b.services(l)
	if err != nil {
		b.log.Warn("layer service unavailable", "layer", ls.ID, "err", err)
		return l
	}
	l.Service = svc
	return l
}

// source restores mirrored records first and falls back to loading every
// record from the layer's service.
func (b *Binder) source(ctx context.Context, ls LayerSpec, l *mapview.Layer) *datasource.Source {
	id := ls.DataSourceID
	if id == "" {
		id = ls.ID
	}
	opts := []datasource.Option{datasource.WithLogger(b.log)}
	if b.mirror != nil {
		opts = append(opts, datasource.WithMirror(b.mirror))
	}
	src := datasource.NewSource(id, l.Schema.EffectiveIDField(), opts...)

	if b.mirror != nil {
		n, err := datasource.Restore(ctx, b.mirror, src)
		if err != nil {
			b.log.Warn("mirror restore failed", "data_source", id, "err", err)
		}
		if n > 0 {
			b.log.Debug("data source restored from mirror", "data_source", id, "records", n)
			return src
		}
	}
	if loader, ok := l.Service.(recordLoader); ok {
		fs, err := loader.QueryWhere(ctx, "")
		if err != nil {
			b.log.Warn("data source load failed", "data_source", id, "err", err)
			return src
		}
		n := src.Upsert(fs...)
		b.log.Debug("data source loaded", "data_source", id, "records", n)
	}
	return src
}
