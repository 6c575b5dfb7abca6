// Package workflow drives the editor's single-feature, multi-feature and
// create workflows from the merged selection.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
	"github.com/mohammed-shakir/editsync/internal/intercept"
	"github.com/mohammed-shakir/editsync/internal/mapview"
	"github.com/mohammed-shakir/editsync/internal/selection"
	"github.com/mohammed-shakir/editsync/internal/watch"
)

type State string

const (
	StateIdle        State = "idle"
	StateSingleEdit  State = "single-edit"
	StateMultiSelect State = "multi-select"
	StateCreating    State = "creating"
)

const (
	EventEditOne    = "edit-one"
	EventEditMany   = "edit-many"
	EventSelectMany = "select-many"
	EventCreate     = "create"
	EventCancel     = "cancel"
)

const (
	DefaultCooldown     = 50 * time.Millisecond
	DefaultGeometryWait = 5 * time.Second
)

var (
	ErrNoFeatures = errors.New("no features resolved for the selection")
	ErrClosed     = errors.New("workflow controller closed")
)

// Origin tells a selection change apart from an attribute refresh.
type Origin int

const (
	OriginSelection Origin = iota
	OriginRefresh
)

func OriginOf(k selection.Kind) Origin {
	if k == selection.KindRefresh {
		return OriginRefresh
	}
	return OriginSelection
}

// GeometrySource exposes the root feature of the editor's active workflow.
type GeometrySource interface {
	RootFeature() *model.Feature
	OnRootFeatureChange(fn func(*model.Feature)) watch.Disposable
}

// Editor is the map-rendered editor the controller drives.
type Editor interface {
	GeometrySource
	StartUpdate(t Target) error
	StartMultiUpdate(ts []Target) error
	Highlight(ts []Target)
	ClearSelection()
	CancelWorkflow()
	StartCreate(layerKey string) error
	// ActiveLayerKey is the layer of the editor's active workflow, if any.
	ActiveLayerKey() string
	Syncing() bool
}

// Workflow is a snapshot of the active workflow. A multi-select highlight has
// Started and Form false.
type Workflow struct {
	State      State    `json:"state"`
	Started    bool     `json:"started"`
	Form       bool     `json:"form"`
	LayerKey   string   `json:"layerKey,omitempty"`
	Features   []Target `json:"features,omitempty"`
	Generation uint64   `json:"generation"`
}

func (w Workflow) clone() Workflow {
	out := w
	if w.Features != nil {
		out.Features = make([]Target, len(w.Features))
		for i, t := range w.Features {
			t.Feature = t.Feature.Clone()
			out.Features[i] = t
		}
	}
	return out
}

// Outcome reports what a request did to the workflow.
type Outcome struct {
	Workflow   Workflow `json:"workflow"`
	Stale      bool     `json:"stale,omitempty"`
	Suppressed bool     `json:"suppressed,omitempty"`
	Ignored    bool     `json:"ignored,omitempty"`
}

type NewFeatureHook func(ctx context.Context, layerKey string, f model.Feature)

type Options struct {
	Dimension    string
	BatchEditing bool
	Cooldown     time.Duration
	GeometryWait time.Duration
	OnNewFeature NewFeatureHook
	Identity     *intercept.IdentityResolver
	Logger       *slog.Logger
}

type Controller struct {
	editor   Editor
	resolver *FeatureResolver
	log      *slog.Logger
	machine  *fsm.FSM

	// opMu serialises editor calls and transitions; it is never taken while mu is held.
	opMu sync.Mutex

	mu          sync.Mutex
	opts        Options
	order       []string
	visible     bool
	set         selection.EditFeatureSet
	current     Workflow
	gen         uint64
	suppress    bool
	cooldown    *time.Timer
	cooldownGen uint64
	closed      bool

	ids          *intercept.IdentityResolver
	processed    *intercept.ProcessedKeys
	rootSub      watch.Disposable
	createCtx    context.Context
	createCancel context.CancelFunc
	createWG     sync.WaitGroup

	changes watch.Emitter[Workflow]
}

func New(editor Editor, resolver *FeatureResolver, opts Options) *Controller {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.GeometryWait <= 0 {
		opts.GeometryWait = DefaultGeometryWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Identity == nil {
		opts.Identity = intercept.DefaultIdentity("")
	}
	c := &Controller{
		editor:    editor,
		resolver:  resolver,
		log:       opts.Logger,
		opts:      opts,
		visible:   true,
		set:       selection.EditFeatureSet{},
		current:   Workflow{State: StateIdle},
		ids:       opts.Identity,
		processed: intercept.NewProcessedKeys(),
	}
	c.createCtx, c.createCancel = context.WithCancel(context.Background())

	all := []string{string(StateIdle), string(StateSingleEdit), string(StateMultiSelect), string(StateCreating)}
	c.machine = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: EventEditOne, Src: all, Dst: string(StateSingleEdit)},
			{Name: EventEditMany, Src: all, Dst: string(StateMultiSelect)},
			{Name: EventSelectMany, Src: all, Dst: string(StateMultiSelect)},
			{Name: EventCreate, Src: all, Dst: string(StateCreating)},
			{Name: EventCancel, Src: all, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				observability.IncWorkflowTransition(e.Dst)
			},
		},
	)

	c.rootSub = editor.OnRootFeatureChange(c.onRootFeature)
	return c
}

func (c *Controller) State() State { return State(c.machine.Current()) }

func (c *Controller) Workflow() Workflow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.clone()
}

// EditFeatureSet returns the retained selection.
func (c *Controller) EditFeatureSet() selection.EditFeatureSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set.Clone()
}

func (c *Controller) OnChange(fn func(Workflow)) watch.Disposable {
	return c.changes.Subscribe(fn)
}

// SetLayerOrder sets the data source order used to flatten selections.
func (c *Controller) SetLayerOrder(order []string) {
	c.mu.Lock()
	c.order = slices.Clone(order)
	c.mu.Unlock()
}

func (c *Controller) SetBatchEditing(on bool) {
	c.mu.Lock()
	c.opts.BatchEditing = on
	c.mu.Unlock()
}

// MarkEditorSelection suppresses workflow restarts for the cooldown window, so
// the selection change the editor itself causes is recorded without restarting.
// The window starts now even when no change follows.
func (c *Controller) MarkEditorSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.suppress = true
	c.armCooldownLocked()
}

// OnEditFeatureSet records set and restarts the workflow from it unless the
// change is suppressed, ignored or the container is hidden.
func (c *Controller) OnEditFeatureSet(ctx context.Context, set selection.EditFeatureSet, origin Origin) (Outcome, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	c.set = set.Clone()

	if origin == OriginRefresh && set.Count() != 1 && c.editor.Syncing() {
		wf := c.current.clone()
		c.mu.Unlock()
		c.log.DebugContext(ctx, "refresh ignored while syncing", "features", set.Count())
		return Outcome{Workflow: wf, Ignored: true}, nil
	}
	if c.suppress {
		c.armCooldownLocked()
		wf := c.current.clone()
		c.mu.Unlock()
		return Outcome{Workflow: wf, Suppressed: true}, nil
	}
	if !c.visible {
		wf := c.current.clone()
		c.mu.Unlock()
		return Outcome{Workflow: wf}, nil
	}
	c.mu.Unlock()
	return c.start(ctx)
}

func (c *Controller) armCooldownLocked() {
	if c.cooldown != nil {
		c.cooldown.Stop()
	}
	c.cooldownGen++
	gen := c.cooldownGen
	c.cooldown = time.AfterFunc(c.opts.Cooldown, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.cooldownGen == gen {
			c.suppress = false
			c.cooldown = nil
		}
	})
}

// SetVisible cancels a started workflow when the container hides and resumes
// from the retained selection when it shows again.
func (c *Controller) SetVisible(ctx context.Context, visible bool) (Outcome, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	c.visible = visible
	started := c.current.Started
	c.mu.Unlock()

	if !visible {
		if started {
			c.opMu.Lock()
			c.toIdle(ctx, c.nextGen(), false)
			c.opMu.Unlock()
		}
		return Outcome{Workflow: c.Workflow()}, nil
	}
	if started {
		return Outcome{Workflow: c.Workflow()}, nil
	}
	return c.start(ctx)
}

func (c *Controller) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// Cancel ends the active workflow and invalidates pending starts. The
// selection is retained.
func (c *Controller) Cancel(ctx context.Context) Workflow {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.toIdle(ctx, c.nextGen(), false)
	return c.Workflow()
}

// BeginCreate starts a create workflow on layerKey.
func (c *Controller) BeginCreate(ctx context.Context, layerKey string) (Outcome, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	c.mu.Unlock()
	c.opMu.Lock()
	defer c.opMu.Unlock()
	gen := c.nextGen()
	return c.enter(ctx, EventCreate, Workflow{State: StateCreating, Started: true, Form: true, LayerKey: layerKey, Generation: gen})
}

func (c *Controller) nextGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.gen
}

func (c *Controller) fresh(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && !c.closed
}

func (c *Controller) start(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	records := Flatten(c.set, c.order)
	opts := c.opts
	c.mu.Unlock()

	var targets []Target
	if len(records) > 0 {
		targets = c.resolver.Resolve(ctx, records)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if !c.fresh(gen) {
		observability.IncWorkflowStale()
		c.log.DebugContext(ctx, "stale workflow start dropped", "generation", gen)
		return Outcome{Workflow: c.Workflow(), Stale: true}, nil
	}

	switch {
	case len(records) == 0:
		c.toIdle(ctx, gen, true)
		return Outcome{Workflow: c.Workflow()}, nil
	case len(targets) == 0:
		c.log.WarnContext(ctx, "no features found for the selected records", "records", len(records))
		c.toIdle(ctx, gen, true)
		return Outcome{Workflow: c.Workflow()}, ErrNoFeatures
	case len(targets) == 1:
		return c.enter(ctx, EventEditOne, Workflow{
			State: StateSingleEdit, Started: true, Form: true,
			LayerKey: targets[0].LayerKey, Features: targets, Generation: gen,
		})
	case opts.Dimension == mapview.Dim2D && opts.BatchEditing:
		return c.enter(ctx, EventSelectMany, Workflow{State: StateMultiSelect, Features: targets, Generation: gen})
	default:
		return c.enter(ctx, EventEditMany, Workflow{State: StateMultiSelect, Started: true, Form: true, Features: targets, Generation: gen})
	}
}

// enter replaces the active workflow with wf. Must hold opMu.
func (c *Controller) enter(ctx context.Context, event string, wf Workflow) (Outcome, error) {
	prev := c.Workflow()
	err := safely(func() error {
		if prev.Started {
			c.editor.CancelWorkflow()
		}
		switch event {
		case EventEditOne:
			c.editor.ClearSelection()
			return c.editor.StartUpdate(wf.Features[0])
		case EventEditMany:
			return c.editor.StartMultiUpdate(wf.Features)
		case EventSelectMany:
			c.editor.ClearSelection()
			c.editor.Highlight(wf.Features)
			return nil
		case EventCreate:
			return c.editor.StartCreate(wf.LayerKey)
		}
		return fmt.Errorf("unknown event %q", event)
	})
	if err != nil {
		c.log.WarnContext(ctx, "workflow start failed", "event", event, "err", err)
		c.toIdle(ctx, wf.Generation, false)
		return Outcome{Workflow: c.Workflow()}, fmt.Errorf("%s: %w", event, err)
	}
	c.fire(ctx, event)
	c.publish(wf)
	c.log.DebugContext(ctx, "workflow started", "state", wf.State, "features", len(wf.Features), "form", wf.Form)
	return Outcome{Workflow: wf.clone()}, nil
}

// toIdle cancels the editor workflow and optionally its selection. Must hold opMu.
func (c *Controller) toIdle(ctx context.Context, gen uint64, clearSelection bool) {
	prev := c.Workflow()
	if err := safely(func() error {
		if prev.Started {
			c.editor.CancelWorkflow()
		}
		if clearSelection {
			c.editor.ClearSelection()
		}
		return nil
	}); err != nil {
		c.log.WarnContext(ctx, "cancel workflow failed", "err", err)
	}
	c.fire(ctx, EventCancel)
	if prev.State == StateIdle && !prev.Started {
		c.mu.Lock()
		c.current.Generation = gen
		c.mu.Unlock()
		return
	}
	c.publish(Workflow{State: StateIdle, Generation: gen})
}

func (c *Controller) fire(ctx context.Context, event string) {
	err := c.machine.Event(context.WithoutCancel(ctx), event)
	var noop fsm.NoTransitionError
	if err != nil && !errors.As(err, &noop) {
		c.log.WarnContext(ctx, "workflow transition failed", "event", event, "err", err)
	}
}

func (c *Controller) publish(wf Workflow) {
	c.mu.Lock()
	c.current = wf.clone()
	c.mu.Unlock()
	c.changes.Emit(wf.clone())
}

// Close cancels the workflow, stops timers and watchers, and clears the
// processed feature keys. It waits for in-flight create handlers.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.cooldown != nil {
		c.cooldown.Stop()
		c.cooldown = nil
	}
	c.cooldownGen++
	c.suppress = false
	c.mu.Unlock()

	c.opMu.Lock()
	c.toIdle(context.Background(), c.nextGen(), false)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.opMu.Unlock()

	c.rootSub.Dispose()
	c.createCancel()
	c.createWG.Wait()
	c.processed.Clear()
}

// safely converts a panic in fn into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("recovered: %v", rec)
		}
	}()
	return fn()
}
