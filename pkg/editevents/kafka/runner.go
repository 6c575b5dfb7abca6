// Package kafka consumes post-commit edit notifications from a Kafka topic and
// hands them to the sessions that edit the committed layer.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/editevents"
)

// Dispatcher delivers an edit notification and reports how many sessions
// handled it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev model.EditEvent) (int, error)
}

type Runner struct {
	log      *slog.Logger
	cfg      RunnerConfig
	dispatch Dispatcher
	ms       *metricSet
	seq      *seqDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
}

func New(cfg RunnerConfig, d Dispatcher, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:      opts.Logger,
		cfg:      cfg,
		dispatch: d,
		ms:       newMetricSet(opts.Register),
		seq:      newSeqDedupe(cfg.DedupeSize),
		assign:   map[int32]struct{}{},
	}
}

// Enabled reports whether Start would join a consumer group.
func (r *Runner) Enabled() bool {
	return r.cfg.Enabled && r.cfg.Driver == DriverKafka
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.Enabled() {
		r.log.Info("edit event runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.dispatch == nil {
		return errors.New("kafka runner: dispatcher is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka edit event runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka edit event runner stopped")
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage skips malformed and redelivered notifications; only a failed
// dispatch is returned, which leaves the message unmarked.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	r.ms.commitAge(msg.Partition, msg.Timestamp)

	var ev editevents.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.invalid("")
		r.log.Warn("edit event decode failed", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if ev.TS.IsZero() {
		ev.TS = msg.Timestamp
	}
	if err := ev.Validate(); err != nil {
		r.ms.invalid(ev.Layer)
		r.log.Warn("edit event rejected", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if !r.seq.fresh(ev.Layer, ev.Seq) {
		r.ms.outcome(ev.Layer, outcomeDuplicate)
		r.ms.observe(ev.Op, time.Since(start))
		return nil
	}

	n, err := r.dispatch.Dispatch(ctx, ev.EditEvent())
	r.ms.observe(ev.Op, time.Since(start))
	if err != nil {
		r.ms.outcome(ev.Layer, outcomeFailed)
		return fmt.Errorf("dispatch %s seq %d: %w", ev.Layer, ev.Seq, err)
	}
	r.seq.mark(ev.Layer, ev.Seq)
	r.ms.applied(ev.Layer, ev.Op, ev.Seq, len(ev.ObjectIDs), n)
	return nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
