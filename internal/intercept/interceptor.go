// Package intercept decorates layer write entry points with enrichment and
// required-field validation.
package intercept

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
	"github.com/mohammed-shakir/editsync/internal/logger"
)

// Writer submits an edit batch to a layer.
type Writer interface {
	SubmitEdits(ctx context.Context, batch model.EditBatch) (model.EditResult, error)
}

type WriterFunc func(ctx context.Context, batch model.EditBatch) (model.EditResult, error)

func (fn WriterFunc) SubmitEdits(ctx context.Context, batch model.EditBatch) (model.EditResult, error) {
	return fn(ctx, batch)
}

// Interceptor wraps an inner Writer. Accepted batches are forwarded enriched
// and the inner result is returned as is.
type Interceptor struct {
	inner    Writer
	key      string
	schema   model.LayerSchema
	enricher *Enricher
	ids      *IdentityResolver
	log      *slog.Logger
	now      func() time.Time

	onSubmit func(ctx context.Context) func()
	onCommit func(ctx context.Context, ev model.EditEvent)

	detached atomic.Bool
}

type Option func(*Interceptor)

func WithLayerKey(key string) Option {
	return func(i *Interceptor) { i.key = key }
}

func WithLogger(log *slog.Logger) Option {
	return func(i *Interceptor) {
		if log != nil {
			i.log = log
		}
	}
}

func WithIdentity(ids *IdentityResolver) Option {
	return func(i *Interceptor) {
		if ids != nil {
			i.ids = ids
		}
	}
}

// OnSubmit runs before a validated batch is forwarded; the returned func runs
// once the inner call and the commit hook have returned.
func OnSubmit(fn func(ctx context.Context) func()) Option {
	return func(i *Interceptor) { i.onSubmit = fn }
}

// OnCommit receives the successful outcomes of every forwarded batch.
func OnCommit(fn func(ctx context.Context, ev model.EditEvent)) Option {
	return func(i *Interceptor) { i.onCommit = fn }
}

func New(inner Writer, schema model.LayerSchema, enricher *Enricher, opts ...Option) *Interceptor {
	i := &Interceptor{
		inner:    inner,
		schema:   schema,
		enricher: enricher,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	if i.ids == nil {
		i.ids = DefaultIdentity(schema.IDField)
	}
	return i
}

func (i *Interceptor) Inner() Writer { return i.inner }

func (i *Interceptor) Key() string { return i.key }

func (i *Interceptor) SubmitEdits(ctx context.Context, batch model.EditBatch) (model.EditResult, error) {
	if i.detached.Load() {
		return i.inner.SubmitEdits(ctx, batch)
	}
	ctx = logger.WithLayer(ctx, i.key)

	enriched, err := i.enricher.Enrich(ctx, batch)
	if err != nil {
		observability.IncSubmission("error")
		return model.EditResult{}, err
	}

	if err := Validate(i.key, i.schema, enriched, i.ids); err != nil {
		observability.IncSubmission("rejected")
		var verr *ValidationError
		if errors.As(err, &verr) {
			i.log.WarnContext(ctx, "edit batch rejected", "failures", len(verr.Failures), "err", err)
		}
		return model.EditResult{}, err
	}

	if i.onSubmit != nil {
		if done := i.onSubmit(ctx); done != nil {
			defer done()
		}
	}

	res, err := i.inner.SubmitEdits(ctx, enriched)
	if err != nil {
		observability.IncSubmission("error")
		i.log.WarnContext(ctx, "edit submit failed", "err", err)
		return res, err
	}
	observability.IncSubmission("ok")

	if i.onCommit != nil {
		ev := model.EventFromResult(i.key, res, i.now())
		if !ev.Empty() {
			i.onCommit(ctx, ev)
		}
	}
	return res, nil
}

// detach turns the interceptor into a pass-through for holders of a stale reference.
func (i *Interceptor) detach() { i.detached.Store(true) }
