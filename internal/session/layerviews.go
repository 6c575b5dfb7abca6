package session

import (
	"context"
	"fmt"

	"github.com/mohammed-shakir/editsync/internal/mapview"
)

func (s *Session) layerViews() (LayerViews, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	lv, ok := s.view.(LayerViews)
	if !ok {
		return nil, ErrFixedView
	}
	return lv, nil
}

// AddLayerView adds a layer view for ls. A runtime-created view rebuilds the
// catalog before returning; any other view is picked up by the debounced
// membership rebuild.
func (s *Session) AddLayerView(ctx context.Context, ls LayerSpec, fromRuntime bool) (mapview.LayerView, error) {
	view, err := s.layerViews()
	if err != nil {
		return mapview.LayerView{}, err
	}
	if s.opts.Binder == nil {
		return mapview.LayerView{}, ErrFixedView
	}
	lv, err := s.opts.Binder.AddLayerView(ctx, view, ls, fromRuntime)
	if err != nil {
		return mapview.LayerView{}, err
	}
	s.log.DebugContext(ctx, "layer view added", "view_id", lv.ID, "layer", ls.ID, "from_runtime", fromRuntime)
	return lv, nil
}

// RemoveLayerView drops a layer view; the catalog follows after the debounce.
func (s *Session) RemoveLayerView(ctx context.Context, viewID string) error {
	view, err := s.layerViews()
	if err != nil {
		return err
	}
	if !view.RemoveLayerView(viewID) {
		return fmt.Errorf("%w: %s", ErrUnknownView, viewID)
	}
	s.log.DebugContext(ctx, "layer view removed", "view_id", viewID)
	return nil
}

// SetLayerVisible toggles one layer view. A change rebuilds the catalog before
// returning.
func (s *Session) SetLayerVisible(ctx context.Context, viewID string, visible bool) error {
	view, err := s.layerViews()
	if err != nil {
		return err
	}
	found := false
	for _, lv := range view.LayerViews() {
		if lv.ID == viewID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownView, viewID)
	}
	if view.SetVisible(viewID, visible) {
		s.log.DebugContext(ctx, "layer view visibility changed", "view_id", viewID, "visible", visible)
	}
	return nil
}

// PendingRebuild reports whether a debounced catalog rebuild is scheduled.
func (s *Session) PendingRebuild() bool {
	return s.rebuilder.Pending()
}
