package model

import "time"

// EditBatch is the payload of one write submission against a layer.
type EditBatch struct {
	Adds    []Feature `json:"addFeatures,omitempty"`
	Updates []Feature `json:"updateFeatures,omitempty"`
	Deletes []int64   `json:"deletes,omitempty"`
}

func (b EditBatch) Clone() EditBatch {
	out := EditBatch{}
	for _, f := range b.Adds {
		out.Adds = append(out.Adds, f.Clone())
	}
	for _, f := range b.Updates {
		out.Updates = append(out.Updates, f.Clone())
	}
	out.Deletes = append(out.Deletes, b.Deletes...)
	return out
}

func (b EditBatch) Empty() bool {
	return len(b.Adds) == 0 && len(b.Updates) == 0 && len(b.Deletes) == 0
}

type EditOutcome struct {
	ObjectID int64  `json:"objectId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

type EditResult struct {
	AddResults    []EditOutcome `json:"addResults"`
	UpdateResults []EditOutcome `json:"updateResults"`
	DeleteResults []EditOutcome `json:"deleteResults"`
}

// EditEvent is a post-commit notification listing the object ids a layer changed.
type EditEvent struct {
	Layer   string    `json:"layer"`
	Added   []int64   `json:"added,omitempty"`
	Updated []int64   `json:"updated,omitempty"`
	Deleted []int64   `json:"deleted,omitempty"`
	Version uint64    `json:"version,omitempty"`
	TS      time.Time `json:"ts"`
}

func (e EditEvent) Empty() bool {
	return len(e.Added) == 0 && len(e.Updated) == 0 && len(e.Deleted) == 0
}

// EventFromResult collects the successful outcomes of a submission.
func EventFromResult(layer string, res EditResult, ts time.Time) EditEvent {
	ev := EditEvent{Layer: layer, TS: ts}
	ev.Added = successful(res.AddResults)
	ev.Updated = successful(res.UpdateResults)
	ev.Deleted = successful(res.DeleteResults)
	return ev
}

func successful(outs []EditOutcome) []int64 {
	var ids []int64
	for _, o := range outs {
		if o.Success {
			ids = append(ids, o.ObjectID)
		}
	}
	return ids
}
