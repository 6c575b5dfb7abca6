// Package editor is the headless map-rendered editor a session drives: it
// holds the active workflow, its root feature and the highlighted selection.
package editor

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/watch"
	"github.com/mohammed-shakir/editsync/internal/workflow"
)

var (
	ErrNoWorkflow = errors.New("editor: no active workflow")
	ErrNoLayer    = errors.New("editor: layer is not editable")
	ErrNoFeatures = errors.New("editor: no features")
)

type Kind string

const (
	KindNone   Kind = ""
	KindUpdate Kind = "update"
	KindMulti  Kind = "multi-update"
	KindCreate Kind = "create"
)

// Active describes the editor's running workflow.
type Active struct {
	Kind     Kind              `json:"kind"`
	LayerKey string            `json:"layerKey,omitempty"`
	Features []workflow.Target `json:"features,omitempty"`
}

type Editor struct {
	log *slog.Logger

	mu        sync.Mutex
	layers    map[string]bool
	settings  Settings
	active    *Active
	root      *model.Feature
	selection []workflow.Target
	syncing   int

	roots watch.Emitter[*model.Feature]
}

func New(log *slog.Logger) *Editor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Editor{log: log, layers: map[string]bool{}}
}

// SetLayers replaces the layer keys the editor may start workflows on.
func (e *Editor) SetLayers(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.layers = make(map[string]bool, len(keys))
	for _, k := range keys {
		e.layers[k] = true
	}
}

func (e *Editor) Apply(s Settings) {
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
}

func (e *Editor) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

func (e *Editor) StartUpdate(t workflow.Target) error {
	e.mu.Lock()
	if len(e.layers) > 0 && !e.layers[t.LayerKey] {
		e.mu.Unlock()
		return ErrNoLayer
	}
	f := t.Feature.Clone()
	e.active = &Active{Kind: KindUpdate, LayerKey: t.LayerKey, Features: []workflow.Target{t}}
	e.root = &f
	e.mu.Unlock()
	e.emitRoot()
	return nil
}

// StartMultiUpdate opens the shared form for several features. There is no
// root feature until one of them is picked.
func (e *Editor) StartMultiUpdate(ts []workflow.Target) error {
	if len(ts) == 0 {
		return ErrNoFeatures
	}
	e.mu.Lock()
	e.active = &Active{Kind: KindMulti, Features: append([]workflow.Target(nil), ts...)}
	e.root = nil
	e.mu.Unlock()
	e.emitRoot()
	return nil
}

// StartCreate begins a draft on layerKey. The draft has a uid and no geometry
// until SetDraftGeometry is called.
func (e *Editor) StartCreate(layerKey string) error {
	e.mu.Lock()
	if len(e.layers) > 0 && !e.layers[layerKey] {
		e.mu.Unlock()
		return ErrNoLayer
	}
	e.active = &Active{Kind: KindCreate, LayerKey: layerKey}
	e.root = &model.Feature{UID: uuid.NewString(), Attributes: model.Attributes{}}
	e.mu.Unlock()
	e.emitRoot()
	return nil
}

// SetDraftGeometry places the geometry of the draft being created.
func (e *Editor) SetDraftGeometry(g orb.Geometry) error {
	e.mu.Lock()
	if e.active == nil || e.active.Kind != KindCreate || e.root == nil {
		e.mu.Unlock()
		return ErrNoWorkflow
	}
	f := e.root.Clone()
	f.Geometry = g
	e.root = &f
	e.mu.Unlock()
	e.emitRoot()
	return nil
}

// UpdateAttributes merges attrs into the root feature.
func (e *Editor) UpdateAttributes(attrs model.Attributes) error {
	e.mu.Lock()
	if e.root == nil {
		e.mu.Unlock()
		return ErrNoWorkflow
	}
	f := e.root.Clone()
	for k, v := range attrs {
		f.Attributes[k] = v
	}
	e.root = &f
	e.mu.Unlock()
	e.emitRoot()
	return nil
}

func (e *Editor) CancelWorkflow() {
	e.mu.Lock()
	had := e.active != nil || e.root != nil
	e.active = nil
	e.root = nil
	e.mu.Unlock()
	if had {
		e.emitRoot()
	}
}

func (e *Editor) Highlight(ts []workflow.Target) {
	e.mu.Lock()
	e.selection = append([]workflow.Target(nil), ts...)
	e.mu.Unlock()
}

func (e *Editor) ClearSelection() {
	e.mu.Lock()
	e.selection = nil
	e.mu.Unlock()
}

func (e *Editor) Selection() []workflow.Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]workflow.Target(nil), e.selection...)
}

func (e *Editor) Active() (Active, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return Active{}, false
	}
	return *e.active, true
}

func (e *Editor) ActiveLayerKey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return ""
	}
	return e.active.LayerKey
}

func (e *Editor) RootFeature() *model.Feature {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.root == nil {
		return nil
	}
	f := e.root.Clone()
	return &f
}

func (e *Editor) OnRootFeatureChange(fn func(*model.Feature)) watch.Disposable {
	return e.roots.Subscribe(fn)
}

// OnActiveLayerChange fires when the layer of the active workflow changes,
// with "" once no workflow is active.
func (e *Editor) OnActiveLayerChange(fn func(string)) watch.Disposable {
	return watch.Watch(&e.roots, e.ActiveLayerKey, fn)
}

// BeginSync marks a write in flight; the returned func ends it.
func (e *Editor) BeginSync() func() {
	e.mu.Lock()
	e.syncing++
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.syncing--
			e.mu.Unlock()
		})
	}
}

func (e *Editor) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing > 0
}

// Destroy cancels the workflow and clears the selection.
func (e *Editor) Destroy() {
	e.CancelWorkflow()
	e.ClearSelection()
	e.log.Debug("editor destroyed")
}

func (e *Editor) emitRoot() {
	e.roots.Emit(e.RootFeature())
}
