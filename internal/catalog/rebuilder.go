package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/editsync/internal/core/config"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
	"github.com/mohammed-shakir/editsync/internal/mapview"
	"github.com/mohammed-shakir/editsync/internal/watch"
)

const DefaultDebounce = 5 * time.Second

const (
	TriggerStart      = "start"
	TriggerVisibility = "visibility"
	TriggerRuntime    = "runtime-view"
	TriggerMembership = "membership"
	TriggerDocument   = "document"
)

// Rebuilder keeps a catalog current for one map view. Visibility, document
// and runtime-created view changes rebuild immediately. Other membership
// changes are coalesced behind a single pending timer and only rebuild when
// the layer view count changed.
type Rebuilder struct {
	view     mapview.MapView
	opts     BuildOptions
	debounce time.Duration
	log      *slog.Logger

	buildMu sync.Mutex

	mu        sync.Mutex
	doc       config.Document
	current   Catalog
	timer     *time.Timer
	timerGen  uint64
	lastCount int
	started   bool
	stopped   bool

	subs      watch.Group
	listeners watch.Emitter[Catalog]
}

func NewRebuilder(view mapview.MapView, doc config.Document, opts BuildOptions, debounce time.Duration) *Rebuilder {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Rebuilder{view: view, doc: doc, opts: opts, debounce: debounce, log: log}
}

// Start builds the first catalog and subscribes to the map view.
func (r *Rebuilder) Start(ctx context.Context) Catalog {
	r.mu.Lock()
	if r.started || r.stopped {
		cur := r.current
		r.mu.Unlock()
		return cur
	}
	r.started = true
	r.mu.Unlock()

	r.subs.Add(
		r.view.OnVisibilityChange(func(mapview.LayerView) { r.Rebuild(ctx, TriggerVisibility) }),
		r.view.OnLayerViewCreated(func(lv mapview.LayerView) {
			if lv.FromRuntime {
				r.Rebuild(ctx, TriggerRuntime)
				return
			}
			r.schedule(ctx)
		}),
		r.view.OnLayerViewRemoved(func(mapview.LayerView) { r.schedule(ctx) }),
	)
	return r.Rebuild(ctx, TriggerStart)
}

func (r *Rebuilder) SetDocument(ctx context.Context, doc config.Document) Catalog {
	r.mu.Lock()
	r.doc = doc
	r.mu.Unlock()
	return r.Rebuild(ctx, TriggerDocument)
}

func (r *Rebuilder) Document() config.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc
}

func (r *Rebuilder) Current() Catalog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// OnChange is called with every rebuilt catalog, in rebuild order.
func (r *Rebuilder) OnChange(fn func(Catalog)) watch.Disposable {
	return r.listeners.Subscribe(fn)
}

// Rebuild builds and publishes a catalog now. It is a no-op after Stop.
func (r *Rebuilder) Rebuild(ctx context.Context, trigger string) Catalog {
	r.buildMu.Lock()
	defer r.buildMu.Unlock()

	r.mu.Lock()
	if r.stopped {
		cur := r.current
		r.mu.Unlock()
		return cur
	}
	doc := r.doc
	r.mu.Unlock()

	c := Build(ctx, r.view, doc, r.opts)
	count := len(r.view.LayerViews())

	r.mu.Lock()
	r.current = c
	r.lastCount = count
	r.mu.Unlock()

	observability.IncCatalogRebuild(trigger)
	r.log.DebugContext(ctx, "catalog rebuilt", "trigger", trigger, "layer_views", count)
	r.listeners.Emit(c)
	return c
}

func (r *Rebuilder) schedule(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerGen++
	gen := r.timerGen
	r.timer = time.AfterFunc(r.debounce, func() { r.fire(ctx, gen) })
}

func (r *Rebuilder) fire(ctx context.Context, gen uint64) {
	r.mu.Lock()
	if r.stopped || gen != r.timerGen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	last := r.lastCount
	r.mu.Unlock()

	if len(r.view.LayerViews()) == last {
		r.log.DebugContext(ctx, "debounced rebuild skipped", "layer_views", last)
		return
	}
	r.Rebuild(ctx, TriggerMembership)
}

// Pending reports whether a debounced rebuild is scheduled.
func (r *Rebuilder) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Stop releases the map view listeners and the pending timer.
func (r *Rebuilder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
	r.mu.Unlock()
	r.subs.Dispose()
}
