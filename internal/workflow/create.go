package workflow

import (
	"context"
	"time"

	"github.com/mohammed-shakir/editsync/internal/core/model"
)

// onRootFeature handles a new draft at most once per identity key. Features
// that already carry an object id are existing edits and are skipped.
func (c *Controller) onRootFeature(f *model.Feature) {
	if f == nil {
		return
	}
	if _, hasOID := f.ObjectID(""); hasOID {
		return
	}
	id, ok := c.ids.Resolve(*f)
	if !ok || !c.processed.MarkOnce(id.Key) {
		return
	}

	layerKey := c.editor.ActiveLayerKey()
	if layerKey == "" {
		layerKey = c.Workflow().LayerKey
	}
	if layerKey == "" {
		c.log.Debug("could not resolve layer for new feature", "key", id.Key)
		return
	}

	c.mu.Lock()
	hook := c.opts.OnNewFeature
	wait := c.opts.GeometryWait
	if c.closed || hook == nil {
		c.mu.Unlock()
		return
	}
	c.createWG.Add(1)
	c.mu.Unlock()

	draft := f.Clone()
	go func() {
		defer c.createWG.Done()
		ctx := c.createCtx
		if draft.Geometry == nil {
			g := WaitForGeometry(ctx, c.editor, wait)
			if g == nil {
				c.log.Debug("new feature has no geometry yet", "key", id.Key, "confidence", id.Confidence.String())
				return
			}
			draft = g.Clone()
		}
		hook(ctx, layerKey, draft)
	}()
}

// Processed reports whether key already triggered the create flow.
func (c *Controller) Processed(key string) bool { return c.processed.Has(key) }

// WaitForGeometry returns the root feature of src once it has a geometry, or
// nil when timeout elapses or ctx ends first.
func WaitForGeometry(ctx context.Context, src GeometrySource, timeout time.Duration) *model.Feature {
	if f := src.RootFeature(); f != nil && f.Geometry != nil {
		return f
	}
	if timeout <= 0 {
		timeout = DefaultGeometryWait
	}
	ready := make(chan *model.Feature, 1)
	sub := src.OnRootFeatureChange(func(f *model.Feature) {
		if f == nil || f.Geometry == nil {
			return
		}
		select {
		case ready <- f:
		default:
		}
	})
	defer sub.Dispose()

	if f := src.RootFeature(); f != nil && f.Geometry != nil {
		return f
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-ready:
		return f
	case <-t.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}
