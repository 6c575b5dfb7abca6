package editevents

import (
	"reflect"
	"testing"
	"time"
)

func mustTS() time.Time { return time.Date(2025, 10, 26, 12, 30, 45, 0, time.UTC) }

func TestEvent_Validate(t *testing.T) {
	ok := Event{Version: 1, Op: OpUpdate, Layer: "poles", TS: mustTS(), ObjectIDs: []int64{4}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	cases := map[string]func(*Event){
		"version":  func(e *Event) { e.Version = 2 },
		"op":       func(e *Event) { e.Op = "upsert" },
		"layer":    func(e *Event) { e.Layer = "  " },
		"ts":       func(e *Event) { e.TS = time.Time{} },
		"ids":      func(e *Event) { e.ObjectIDs = nil },
		"negative": func(e *Event) { e.ObjectIDs = []int64{3, -1} },
	}
	for name, mutate := range cases {
		ev := ok
		mutate(&ev)
		if err := ev.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEvent_EditEvent(t *testing.T) {
	ev := Event{Version: 1, Op: OpDelete, Layer: "poles", TS: mustTS(), ObjectIDs: []int64{9, 2, 9}, Seq: 7}
	got := ev.EditEvent()
	if got.Layer != "poles" || got.Version != 7 || !got.TS.Equal(mustTS()) {
		t.Fatalf("event=%+v", got)
	}
	if !reflect.DeepEqual(got.Deleted, []int64{2, 9}) || got.Added != nil || got.Updated != nil {
		t.Fatalf("ids=%+v", got)
	}

	ev.Op = OpInsert
	if got := ev.EditEvent(); len(got.Added) != 2 || got.Deleted != nil {
		t.Fatalf("insert=%+v", got)
	}
}
