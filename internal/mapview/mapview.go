// Package mapview describes the map-view binding the edit engine consumes:
// layers, layer views, data source resolution and change listeners.
package mapview

import (
	"context"

	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/datasource"
	"github.com/mohammed-shakir/editsync/internal/watch"
)

type Kind string

const (
	KindFeature         Kind = "feature"
	KindScene           Kind = "scene"
	KindSubtypeGroup    Kind = "subtype-group"
	KindSubtypeSublayer Kind = "subtype-sublayer"
	KindTile            Kind = "tile"
	KindGroup           Kind = "group"
)

const (
	Dim2D = "2d"
	Dim3D = "3d"
)

// Service is the remote transport behind a layer.
type Service interface {
	QueryByIDs(ctx context.Context, ids []int64, withGeometry bool) ([]model.Feature, error)
	SubmitEdits(ctx context.Context, batch model.EditBatch) (model.EditResult, error)
}

type Capabilities struct {
	Add              bool `json:"add"`
	Update           bool `json:"update"`
	Delete           bool `json:"delete"`
	UpdateAttributes bool `json:"updateAttributes"`
	UpdateGeometries bool `json:"updateGeometries"`
}

type Relationship struct {
	ID             int    `json:"id"`
	RelatedLayerID string `json:"relatedLayerId"`
}

type Layer struct {
	ID                   string            `json:"id"`
	Title                string            `json:"title"`
	Kind                 Kind              `json:"kind"`
	URL                  string            `json:"url,omitempty"`
	LayerID              string            `json:"layerId,omitempty"`
	IsTable              bool              `json:"isTable,omitempty"`
	EditingEnabled       bool              `json:"editingEnabled"`
	Schema               model.LayerSchema `json:"schema"`
	Capabilities         Capabilities      `json:"capabilities"`
	Relationships        []Relationship    `json:"relationships,omitempty"`
	FormHasRelationships bool              `json:"formHasRelationships,omitempty"`
	Service              Service           `json:"-"`
}

type LayerView struct {
	ID          string
	Layer       *Layer
	Visible     bool
	FromRuntime bool
}

type MapView interface {
	ID() string
	Dimension() string
	// LayerViews returns the current layer views in map order.
	LayerViews() []LayerView
	// AllLayers returns every map layer in map order, with or without a view.
	AllLayers() []*Layer
	Tables() []*Layer
	DataSourceFor(lv LayerView) (datasource.DataSource, error)
	OnVisibilityChange(func(LayerView)) watch.Disposable
	OnLayerViewCreated(func(LayerView)) watch.Disposable
	OnLayerViewRemoved(func(LayerView)) watch.Disposable
}
