// Package catalog decides which map layers are editable, in what order and
// with which write capabilities.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"

	"github.com/mohammed-shakir/editsync/internal/core/config"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
	"github.com/mohammed-shakir/editsync/internal/mapview"
)

var ErrUnresolved = errors.New("catalog: data source unresolved")

type Flags struct {
	Add              bool `json:"add"`
	Update           bool `json:"update"`
	Delete           bool `json:"delete"`
	UpdateAttributes bool `json:"updateAttributes"`
	UpdateGeometries bool `json:"updateGeometries"`
}

func (f Flags) Any() bool {
	return f.Add || f.Update || f.Delete
}

// Descriptor is one entry of the catalog. Key is stable for a layer instance
// across rebuilds.
type Descriptor struct {
	Key           string         `json:"key"`
	LayerViewID   string         `json:"layerViewId,omitempty"`
	DataSourceID  string         `json:"dataSourceId,omitempty"`
	Title         string         `json:"title"`
	Kind          mapview.Kind   `json:"kind"`
	Flags         Flags          `json:"flags"`
	Fields        []string       `json:"fields,omitempty"`
	RelatedTables []string       `json:"relatedTables,omitempty"`
	ParentKey     string         `json:"parentKey,omitempty"`
	IsTable       bool           `json:"isTable,omitempty"`
	Uneditable    bool           `json:"uneditable,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Layer         *mapview.Layer `json:"-"`
}

type Catalog struct {
	Editable            []Descriptor `json:"editable"`
	Uneditable          []Descriptor `json:"uneditable"`
	ShowUpdateAvailable bool         `json:"showUpdateAvailable"`
}

func (c Catalog) Find(key string) (Descriptor, bool) {
	for _, d := range c.Editable {
		if d.Key == key {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Keys lists the editable descriptor keys in catalog order.
func (c Catalog) Keys() []string {
	out := make([]string, 0, len(c.Editable))
	for _, d := range c.Editable {
		out = append(out, d.Key)
	}
	return out
}

// LayerOrder lists the data source ids of editable layers in catalog order.
func (c Catalog) LayerOrder() []string {
	var out []string
	for _, d := range c.Editable {
		if d.DataSourceID != "" && !slices.Contains(out, d.DataSourceID) {
			out = append(out, d.DataSourceID)
		}
	}
	return out
}

type BuildOptions struct {
	// CanEdit is false when the caller lacks the edit privilege.
	CanEdit bool
	Logger  *slog.Logger
}

const (
	reasonNoView      = "no layer view"
	reasonHidden      = "hidden"
	reasonNotListed   = "not in configured layer views"
	reasonNotEditing  = "editing disabled"
	reasonUnresolved  = "data source unresolved"
	reasonUnsupported = "unsupported kind"
)

func Supported(k mapview.Kind) bool {
	switch k {
	case mapview.KindFeature, mapview.KindScene, mapview.KindSubtypeGroup, mapview.KindSubtypeSublayer:
		return true
	}
	return false
}

type candidate struct {
	lv       mapview.LayerView
	dsID     string
	cfgIndex int
}

// Build derives the catalog of view under doc. It does not mutate its inputs.
// Layer views whose data source cannot be resolved are listed as uneditable.
func Build(ctx context.Context, view mapview.MapView, doc config.Document, opts BuildOptions) Catalog {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	mv := doc.MapView(view.ID())

	allLayers := view.AllLayers()
	views := view.LayerViews()

	var out Catalog
	for _, l := range allLayers {
		if !Supported(l.Kind) {
			continue
		}
		if !slices.ContainsFunc(views, func(lv mapview.LayerView) bool { return lv.Layer == l }) {
			out.Uneditable = append(out.Uneditable, uneditable(l, "", reasonNoView))
		}
	}

	var cands []candidate
	for _, lv := range views {
		if lv.Layer == nil || !Supported(lv.Layer.Kind) {
			continue
		}
		if reason := editableReason(lv, mv, doc.LiveDataEditing); reason != "" {
			out.Uneditable = append(out.Uneditable, uneditable(lv.Layer, lv.ID, reason))
			continue
		}
		ds, err := view.DataSourceFor(lv)
		if err != nil || ds == nil {
			log.WarnContext(ctx, "skip layer view", "layer_view", lv.ID, "err", errors.Join(ErrUnresolved, err))
			out.Uneditable = append(out.Uneditable, uneditable(lv.Layer, lv.ID, reasonUnresolved))
			continue
		}
		cands = append(cands, candidate{
			lv:       lv,
			dsID:     ds.ID(),
			cfgIndex: mv.LayerIndex(ds.ID()),
		})
	}

	if mv.CustomizeLayers {
		sort.SliceStable(cands, func(i, j int) bool {
			a, b := cands[i].cfgIndex, cands[j].cfgIndex
			switch {
			case a >= 0 && b >= 0:
				return a < b
			case a >= 0:
				return true
			default:
				return false
			}
		})
	}

	for _, c := range cands {
		if slices.ContainsFunc(out.Editable, func(d Descriptor) bool { return d.Layer == c.lv.Layer }) {
			continue
		}
		lc, configured := mv.Layer(c.dsID)
		flags := resolveFlags(c.lv.Layer.Capabilities, lc, configured, opts.CanEdit)
		d := Descriptor{
			Key:          layerKey(c.lv.Layer),
			LayerViewID:  c.lv.ID,
			DataSourceID: c.dsID,
			Title:        c.lv.Layer.Title,
			Kind:         c.lv.Layer.Kind,
			Flags:        flags,
			Layer:        c.lv.Layer,
		}
		if configured {
			d.Fields = slices.Clone(lc.Fields)
		}
		if flags.Update {
			out.ShowUpdateAvailable = true
		}
		out.Editable = append(out.Editable, d)
	}

	out.Editable = appendRelatedTables(out.Editable, view.Tables())

	editable, uneditableN := len(out.Editable), len(out.Uneditable)
	observability.SetCatalogLayers(editable, uneditableN)
	log.DebugContext(ctx, "catalog built", "editable", editable, "uneditable", uneditableN)
	return out
}

func editableReason(lv mapview.LayerView, mv config.MapViewConfig, liveDataEditing bool) string {
	switch {
	case !lv.Visible:
		return reasonHidden
	case mv.CustomizeLayers && !mv.Allows(lv.ID):
		return reasonNotListed
	case lv.Layer.IsTable:
		return reasonUnsupported
	case !lv.Layer.EditingEnabled && !liveDataEditing:
		return reasonNotEditing
	}
	return ""
}

// resolveFlags applies configured overrides over the layer capabilities.
func resolveFlags(caps mapview.Capabilities, lc config.LayerConfig, override, canEdit bool) Flags {
	if !canEdit {
		return Flags{}
	}
	f := Flags{
		Add:              caps.Add,
		Update:           caps.Update,
		Delete:           caps.Delete,
		UpdateAttributes: caps.UpdateAttributes,
		UpdateGeometries: caps.UpdateGeometries,
	}
	if !override {
		return f
	}
	pick := func(cur bool, o *bool) bool {
		if o == nil {
			return cur
		}
		return *o
	}
	f.Add = pick(f.Add, lc.AddRecords)
	f.Update = pick(f.Update, lc.UpdateRecords)
	f.Delete = pick(f.Delete, lc.DeleteRecords)
	f.UpdateAttributes = pick(f.UpdateAttributes, lc.UpdateAttributes)
	f.UpdateGeometries = pick(f.UpdateGeometries, lc.UpdateGeometries)
	return f
}

// appendRelatedTables adds, once per table, every table referenced by the
// relationships of a layer whose form shows related records.
func appendRelatedTables(ds []Descriptor, tables []*mapview.Layer) []Descriptor {
	var related []Descriptor
	seen := map[*mapview.Layer]bool{}
	for i := range ds {
		parent := ds[i]
		if parent.Layer == nil || !parent.Layer.FormHasRelationships {
			continue
		}
		for _, rel := range parent.Layer.Relationships {
			ti := slices.IndexFunc(tables, func(t *mapview.Layer) bool { return t.LayerID == rel.RelatedLayerID })
			if ti < 0 {
				continue
			}
			t := tables[ti]
			ds[i].RelatedTables = append(ds[i].RelatedTables, layerKey(t))
			if seen[t] {
				continue
			}
			seen[t] = true
			related = append(related, Descriptor{
				Key:       layerKey(t),
				Title:     t.Title,
				Kind:      t.Kind,
				Flags:     parent.Flags,
				ParentKey: parent.Key,
				IsTable:   true,
				Layer:     t,
			})
		}
	}
	return append(ds, related...)
}

func uneditable(l *mapview.Layer, viewID, reason string) Descriptor {
	return Descriptor{
		Key:         layerKey(l),
		LayerViewID: viewID,
		Title:       l.Title,
		Kind:        l.Kind,
		IsTable:     l.IsTable,
		Uneditable:  true,
		Reason:      reason,
		Layer:       l,
	}
}

func layerKey(l *mapview.Layer) string {
	if l.IsTable {
		return "table:" + l.ID
	}
	return l.ID
}
