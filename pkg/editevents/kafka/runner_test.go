package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/editsync/internal/core/config"
	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/editevents"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []model.EditEvent
	n      int
	err    error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, ev model.EditEvent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.events = append(f.events, ev)
	return f.n, nil
}

func (f *fakeDispatcher) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func message(t *testing.T, v any) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Timestamp: time.Now().UTC(), Value: b}
}

// value returns the counter or gauge of name whose labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestHandleMessage_DispatchesAndDedupes(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := &fakeDispatcher{n: 2}
	r := New(RunnerConfig{Enabled: true, Driver: DriverKafka}, d, Options{Register: reg})
	ctx := context.Background()

	ev := editevents.Event{Version: 1, Op: editevents.OpUpdate, Layer: "poles", TS: time.Now().UTC(), ObjectIDs: []int64{4, 5}, Seq: 3}
	msg := message(t, ev)
	if err := r.handleMessage(ctx, msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if err := r.handleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if d.Count() != 1 {
		t.Fatalf("dispatched %d times, want 1", d.Count())
	}
	got := d.events[0]
	if got.Layer != "poles" || len(got.Updated) != 2 || got.Version != 3 {
		t.Fatalf("event=%+v", got)
	}
	poles := func(outcome string) map[string]string { return map[string]string{"layer": "poles", "outcome": outcome} }
	if v := value(t, reg, "editevents_notifications_total", poles("duplicate")); v != 1 {
		t.Fatalf("duplicate=%v", v)
	}
	if v := value(t, reg, "editevents_notifications_total", poles("applied")); v != 1 {
		t.Fatalf("applied=%v", v)
	}
	if v := value(t, reg, "editevents_sessions_notified_total", map[string]string{"layer": "poles"}); v != 2 {
		t.Fatalf("sessions notified=%v", v)
	}
	if v := value(t, reg, "editevents_features_total", map[string]string{"op": "update"}); v != 2 {
		t.Fatalf("features=%v", v)
	}
	if v := value(t, reg, "editevents_last_seq", map[string]string{"layer": "poles"}); v != 3 {
		t.Fatalf("last seq=%v", v)
	}
	if v := value(t, reg, "editevents_commit_age_seconds", map[string]string{"partition": "0"}); v < 0 {
		t.Fatalf("commit age=%v", v)
	}

	ev.Seq = 4
	if err := r.handleMessage(ctx, message(t, ev)); err != nil {
		t.Fatalf("newer seq: %v", err)
	}
	if d.Count() != 2 {
		t.Fatalf("newer seq not dispatched")
	}
}

func TestHandleMessage_SkipsInvalid(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := &fakeDispatcher{}
	r := New(RunnerConfig{}, d, Options{Register: reg})
	ctx := context.Background()

	if err := r.handleMessage(ctx, &sarama.ConsumerMessage{Value: []byte("{not json")}); err != nil {
		t.Fatalf("decode failure should be skipped: %v", err)
	}
	bad := editevents.Event{Version: 1, Op: "merge", Layer: "poles", ObjectIDs: []int64{1}}
	if err := r.handleMessage(ctx, message(t, bad)); err != nil {
		t.Fatalf("invalid event should be skipped: %v", err)
	}
	if d.Count() != 0 {
		t.Fatalf("invalid events dispatched")
	}
	if v := value(t, reg, "editevents_notifications_total", map[string]string{"layer": "unknown", "outcome": "invalid"}); v != 1 {
		t.Fatalf("undecodable=%v", v)
	}
	if v := value(t, reg, "editevents_notifications_total", map[string]string{"layer": "poles", "outcome": "invalid"}); v != 1 {
		t.Fatalf("invalid=%v", v)
	}
}

func TestHandleMessage_DispatchErrorAllowsRetry(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := &fakeDispatcher{err: errors.New("session busy")}
	r := New(RunnerConfig{}, d, Options{Register: reg})
	ctx := context.Background()

	// ts falls back to the message timestamp
	msg := message(t, map[string]any{"version": 1, "op": "delete", "layer": "poles", "object_ids": []int64{7}, "seq": 9})
	if err := r.handleMessage(ctx, msg); err == nil {
		t.Fatalf("want dispatch error")
	}
	d.err = nil
	if err := r.handleMessage(ctx, msg); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if d.Count() != 1 || len(d.events[0].Deleted) != 1 {
		t.Fatalf("retry not dispatched: %+v", d.events)
	}
	failed := value(t, reg, "editevents_notifications_total", map[string]string{"layer": "poles", "outcome": "failed"})
	unrouted := value(t, reg, "editevents_notifications_total", map[string]string{"layer": "poles", "outcome": "unrouted"})
	if failed != 1 || unrouted != 1 {
		t.Fatalf("failed=%v unrouted=%v", failed, unrouted)
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	r := New(ConfigFrom(config.EditEventsCfg{Driver: "kafka"}), &fakeDispatcher{}, Options{})
	if r.Enabled() {
		t.Fatalf("disabled config reported enabled")
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
	if ready, _ := r.Readiness(); ready {
		t.Fatalf("disabled runner reported ready")
	}
}

func TestConfigFrom_Defaults(t *testing.T) {
	c := ConfigFrom(config.EditEventsCfg{Enabled: true, Driver: " Kafka ", Brokers: "a:9092, b:9092,"})
	if c.Driver != DriverKafka || c.Topic != "feature-edits" || c.GroupID != "editsync" {
		t.Fatalf("config=%+v", c)
	}
	if len(c.Brokers) != 2 || c.Brokers[1] != "b:9092" {
		t.Fatalf("brokers=%v", c.Brokers)
	}
}
