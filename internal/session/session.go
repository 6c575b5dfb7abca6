// Package session wires one map view binding to its catalog, selection bridge,
// workflow controller, write interceptors and write-back synchronizer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/editsync/internal/catalog"
	"github.com/mohammed-shakir/editsync/internal/core/config"
	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/editor"
	"github.com/mohammed-shakir/editsync/internal/intercept"
	"github.com/mohammed-shakir/editsync/internal/logger"
	"github.com/mohammed-shakir/editsync/internal/mapview"
	"github.com/mohammed-shakir/editsync/internal/selection"
	"github.com/mohammed-shakir/editsync/internal/watch"
	"github.com/mohammed-shakir/editsync/internal/workflow"
	"github.com/mohammed-shakir/editsync/internal/writeback"
)

var (
	ErrUnknownSession = errors.New("session: unknown session")
	ErrUnknownLayer   = errors.New("session: layer is not editable")
	ErrNotPermitted   = errors.New("session: operation not permitted on layer")
	ErrUnknownSource  = errors.New("session: unknown data source")
	ErrClosed         = errors.New("session: closed")
	ErrUnknownView    = errors.New("session: unknown layer view")
	ErrFixedView      = errors.New("session: map view does not accept layer view changes")
)

// EnricherFactory builds the enricher for the lookup settings of a document.
type EnricherFactory func(cfg config.LookupConfig) *intercept.Enricher

type Options struct {
	Logger           *slog.Logger
	CanEdit          bool
	Debounce         time.Duration
	Cooldown         time.Duration
	GeometryWait     time.Duration
	FeatureCacheSize int
	Enricher         EnricherFactory
	// Binder binds layer views added after open.
	Binder           *Binder
}

// State is a point-in-time view of a session.
type State struct {
	ID              string                   `json:"id"`
	ViewID          string                   `json:"viewId"`
	Workflow        workflow.Workflow        `json:"workflow"`
	EditFeatureSet  selection.EditFeatureSet `json:"editFeatureSet"`
	UpdateAvailable bool                     `json:"updateAvailable"`
	Visible         bool                     `json:"visible"`
	Syncing         bool                     `json:"syncing"`
	Catalog         catalog.Catalog          `json:"catalog"`
	Settings        editor.Settings          `json:"settings"`
}

type selectable interface {
	Select(ids []int64)
}

type Session struct {
	id   string
	view mapview.MapView
	log  *slog.Logger
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	editor     *editor.Editor
	rebuilder  *catalog.Rebuilder
	bridge     *selection.Bridge
	resolver   *workflow.FeatureResolver
	controller *workflow.Controller
	registry   *intercept.Registry
	writeback  *writeback.Synchronizer

	selectMu sync.Mutex

	mu       sync.Mutex
	catalog  catalog.Catalog
	doc      config.Document
	enricher *intercept.Enricher
	lastErr  error
	closed   bool

	subs watch.Group
}

// Open binds a session to view under doc and builds the first catalog.
func Open(ctx context.Context, id string, view mapview.MapView, doc config.Document, opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	log := opts.Logger.With("view", view.ID())
	base := logger.WithComponent(logger.WithSession(context.WithoutCancel(ctx), id), "session")
	sctx, cancel := context.WithCancel(base)

	s := &Session{
		id:     id,
		view:   view,
		log:    log,
		opts:   opts,
		ctx:    sctx,
		cancel: cancel,
		editor: editor.New(log),
		bridge: selection.New(log),
		doc:    doc,
	}
	s.enricher = s.newEnricher(doc)
	s.editor.Apply(editor.SettingsFrom(doc, view.Dimension()))

	resolver, err := workflow.NewFeatureResolver(nil, opts.FeatureCacheSize, log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}
	s.resolver = resolver
	s.registry = intercept.NewRegistry(s.wrap, log)
	s.writeback = writeback.New(s.editor, s.writebackTarget, log)
	s.controller = workflow.New(s.editor, resolver, workflow.Options{
		Dimension:    view.Dimension(),
		BatchEditing: doc.BatchEditing,
		Cooldown:     opts.Cooldown,
		GeometryWait: opts.GeometryWait,
		OnNewFeature: s.onNewFeature,
		Logger:       log,
	})
	s.rebuilder = catalog.NewRebuilder(view, doc, catalog.BuildOptions{CanEdit: opts.CanEdit, Logger: log}, opts.Debounce)

	s.subs.Add(
		s.bridge.OnChange(s.onSelection),
		s.rebuilder.OnChange(s.applyCatalog),
		s.editor.OnActiveLayerChange(func(key string) {
			s.log.DebugContext(logger.WithLayer(s.ctx, key), "active layer changed")
		}),
	)
	s.rebuilder.Start(sctx)
	log.InfoContext(sctx, "session opened", "editable", len(s.Catalog().Editable))
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) ViewID() string { return s.view.ID() }

func (s *Session) Catalog() catalog.Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog
}

func (s *Session) Document() config.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

func (s *Session) State() State {
	cat := s.Catalog()
	return State{
		ID:              s.id,
		ViewID:          s.view.ID(),
		Workflow:        s.controller.Workflow(),
		EditFeatureSet:  s.controller.EditFeatureSet(),
		UpdateAvailable: cat.ShowUpdateAvailable,
		Visible:         s.controller.Visible(),
		Syncing:         s.editor.Syncing(),
		Catalog:         cat,
		Settings:        s.editor.Settings(),
	}
}

// HasLayer reports whether name is the key, layer id or data source id of an
// editable layer.
func (s *Session) HasLayer(name string) (string, bool) {
	for _, d := range s.Catalog().Editable {
		if d.Key == name || d.DataSourceID == name || (d.Layer != nil && d.Layer.ID == name) {
			return d.Key, true
		}
	}
	return "", false
}

// Select replaces the selection of a data source and returns the workflow the
// change produced. fromEditor marks a selection made by the editor itself.
func (s *Session) Select(ctx context.Context, dataSourceID string, ids []int64, fromEditor bool) (workflow.Workflow, error) {
	if s.isClosed() {
		return workflow.Workflow{}, ErrClosed
	}
	ds, ok := s.selectable(dataSourceID)
	if !ok {
		return workflow.Workflow{}, fmt.Errorf("%w: %s", ErrUnknownSource, dataSourceID)
	}
	s.selectMu.Lock()
	defer s.selectMu.Unlock()
	if fromEditor {
		s.controller.MarkEditorSelection()
	}
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()

	ds.Select(ids)

	s.mu.Lock()
	err := s.lastErr
	s.mu.Unlock()
	s.log.DebugContext(ctx, "selection applied", "data_source", dataSourceID, "ids", len(ids), "from_editor", fromEditor)
	return s.controller.Workflow(), err
}

func (s *Session) selectable(dataSourceID string) (selectable, bool) {
	for _, lv := range s.view.LayerViews() {
		ds, err := s.view.DataSourceFor(lv)
		if err != nil || ds == nil || ds.ID() != dataSourceID {
			continue
		}
		sel, ok := ds.(selectable)
		return sel, ok
	}
	return nil, false
}

func (s *Session) onSelection(ch selection.Change) {
	_, err := s.controller.OnEditFeatureSet(s.ctx, ch.Set, workflow.OriginOf(ch.Kind))
	if err != nil {
		s.log.DebugContext(s.ctx, "selection change left no workflow", "data_source", ch.DataSourceID, "kind", ch.Kind.String(), "err", err)
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) SetVisible(ctx context.Context, visible bool) (workflow.Outcome, error) {
	return s.controller.SetVisible(ctx, visible)
}

func (s *Session) Cancel(ctx context.Context) workflow.Workflow {
	return s.controller.Cancel(ctx)
}

// BeginCreate starts a draft on an editable layer that allows adds.
func (s *Session) BeginCreate(ctx context.Context, layerKey string) (workflow.Outcome, error) {
	d, ok := s.Catalog().Find(layerKey)
	if !ok {
		return workflow.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownLayer, layerKey)
	}
	if !d.Flags.Add {
		return workflow.Outcome{}, fmt.Errorf("%w: add on %s", ErrNotPermitted, layerKey)
	}
	return s.controller.BeginCreate(ctx, layerKey)
}

// PlaceDraft sets the geometry of the draft being created.
func (s *Session) PlaceDraft(g orb.Geometry) error {
	return s.editor.SetDraftGeometry(g)
}

// SubmitEdits sends batch through the intercepted writer of layerKey.
func (s *Session) SubmitEdits(ctx context.Context, layerKey string, batch model.EditBatch) (model.EditResult, error) {
	if s.isClosed() {
		return model.EditResult{}, ErrClosed
	}
	w, ok := s.registry.Writer(layerKey)
	if !ok {
		return model.EditResult{}, fmt.Errorf("%w: %s", ErrUnknownLayer, layerKey)
	}
	return w.SubmitEdits(logger.WithSession(ctx, s.id), batch)
}

// HandleEdit writes a committed edit of layerKey back into its data source.
func (s *Session) HandleEdit(ctx context.Context, layerKey string, ev model.EditEvent) error {
	return s.writeback.Handle(logger.WithSession(ctx, s.id), layerKey, ev)
}

// SetDocument applies a new edit document: editor settings, enrichment and a
// catalog rebuild that reinstalls every interceptor.
func (s *Session) SetDocument(ctx context.Context, doc config.Document) {
	if s.isClosed() {
		return
	}
	s.mu.Lock()
	s.doc = doc
	s.enricher = s.newEnricher(doc)
	s.mu.Unlock()

	s.editor.Apply(editor.SettingsFrom(doc, s.view.Dimension()))
	s.controller.SetBatchEditing(doc.BatchEditing)
	s.registry.RestoreAll()
	s.rebuilder.SetDocument(ctx, doc)
}

func (s *Session) newEnricher(doc config.Document) *intercept.Enricher {
	if s.opts.Enricher == nil {
		return nil
	}
	return s.opts.Enricher(doc.Lookup())
}

func (s *Session) currentEnricher() *intercept.Enricher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enricher
}

// applyCatalog keeps every collaborator aligned with a rebuilt catalog.
func (s *Session) applyCatalog(cat catalog.Catalog) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.catalog = cat
	s.mu.Unlock()

	keys := cat.Keys()
	if dropped := s.registry.Retain(keys); len(dropped) > 0 {
		s.log.DebugContext(s.ctx, "interceptors restored", "layers", dropped)
	}
	for _, d := range cat.Editable {
		if d.Layer == nil || d.Layer.Service == nil {
			continue
		}
		if _, err := s.registry.Install(d.Key, d.Layer.Service, d.Layer.Schema); err != nil {
			s.log.WarnContext(s.ctx, "layer left unintercepted", "layer", d.Key, "err", err)
		}
	}

	refs := map[string]workflow.LayerRef{}
	for _, d := range cat.Editable {
		if d.DataSourceID == "" || d.Layer == nil || d.Layer.Service == nil {
			continue
		}
		if _, ok := refs[d.DataSourceID]; !ok {
			refs[d.DataSourceID] = workflow.LayerRef{Key: d.Key, IDField: d.Layer.Schema.EffectiveIDField(), Fetcher: d.Layer.Service}
		}
	}
	s.resolver.SetLookup(func(dsID string) (workflow.LayerRef, bool) {
		r, ok := refs[dsID]
		return r, ok
	})
	s.controller.SetLayerOrder(cat.LayerOrder())
	s.editor.SetLayers(keys)
	s.bridge.Sync(selection.Sources(s.view, cat))
}

// wrap builds the interceptor installed on a layer.
func (s *Session) wrap(key string, original intercept.Writer, schema model.LayerSchema) *intercept.Interceptor {
	return intercept.New(original, schema, s.currentEnricher(),
		intercept.WithLayerKey(key),
		intercept.WithLogger(s.log),
		intercept.OnSubmit(func(context.Context) func() { return s.editor.BeginSync() }),
		intercept.OnCommit(func(ctx context.Context, ev model.EditEvent) {
			if err := s.writeback.Handle(ctx, key, ev); err != nil {
				s.log.WarnContext(ctx, "write-back failed", "err", err)
			}
		}),
	)
}

func (s *Session) writebackTarget(layerKey string) (writeback.Target, bool) {
	d, ok := s.Catalog().Find(layerKey)
	if !ok || d.Layer == nil || d.LayerViewID == "" {
		return writeback.Target{}, false
	}
	views := s.view.LayerViews()
	i := slices.IndexFunc(views, func(lv mapview.LayerView) bool { return lv.ID == d.LayerViewID })
	if i < 0 {
		return writeback.Target{}, false
	}
	ds, err := s.view.DataSourceFor(views[i])
	if err != nil {
		s.log.WarnContext(s.ctx, "write-back data source unresolved", "layer", layerKey, "err", err)
		return writeback.Target{}, false
	}
	t := writeback.Target{IDField: d.Layer.Schema.EffectiveIDField(), Source: ds}
	if d.Layer.Service != nil {
		t.Fetcher = d.Layer.Service
	}
	return t, true
}

// onNewFeature pre-enriches a new draft and merges the looked up values into
// the editor's root feature.
func (s *Session) onNewFeature(ctx context.Context, layerKey string, f model.Feature) {
	s.log.InfoContext(ctx, "new feature drafted", "layer", layerKey, "uid", f.UID)
	en := s.currentEnricher()
	if en == nil {
		return
	}
	before := f.Attributes.Clone()
	en.EnrichFeature(ctx, &f)
	diff := model.Attributes{}
	for k, v := range f.Attributes {
		if before.Unset(k) && v != nil {
			diff[k] = v
		}
	}
	if len(diff) == 0 {
		return
	}
	root := s.editor.RootFeature()
	if root == nil || root.UID != f.UID {
		return
	}
	if err := s.editor.UpdateAttributes(diff); err != nil {
		s.log.DebugContext(ctx, "draft closed before enrichment", "layer", layerKey, "err", err)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases every subscription, cancels the workflow and restores every
// intercepted writer. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.subs.Dispose()
	s.rebuilder.Stop()
	s.bridge.Close()
	s.controller.Close()
	restored := s.registry.RestoreAll()
	s.editor.Destroy()
	s.log.InfoContext(s.ctx, "session closed", "restored", restored)
	s.cancel()
}
