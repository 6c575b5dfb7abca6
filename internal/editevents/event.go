// Package editevents defines the post-commit edit notification published on
// the feature service's change feed.
package editevents

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mohammed-shakir/editsync/internal/core/model"
)

const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Event reports the object ids one commit changed on a layer. Seq increases
// per layer and is used to drop redelivered commits.
type Event struct {
	Version   int       `json:"version"`
	Op        string    `json:"op"`
	Layer     string    `json:"layer"`
	TS        time.Time `json:"ts"`
	ObjectIDs []int64   `json:"object_ids"`
	Seq       uint64    `json:"seq,omitempty"`
	Source    string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("op must be insert|update|delete")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return fmt.Errorf("layer is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if len(e.ObjectIDs) == 0 {
		return fmt.Errorf("object_ids is required")
	}
	for _, id := range e.ObjectIDs {
		if id <= 0 {
			return fmt.Errorf("object id %d must be positive", id)
		}
	}
	return nil
}

// EditEvent converts e into the notification the write-back path consumes.
func (e Event) EditEvent() model.EditEvent {
	ids := slices.Clone(e.ObjectIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	ev := model.EditEvent{Layer: e.Layer, Version: e.Seq, TS: e.TS}
	switch e.Op {
	case OpInsert:
		ev.Added = ids
	case OpUpdate:
		ev.Updated = ids
	case OpDelete:
		ev.Deleted = ids
	}
	return ev
}
