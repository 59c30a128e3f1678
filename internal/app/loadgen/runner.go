// Package loadgen drives a clustered queue with producer and consumer workers.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardq/project/internal/queue"
)

type Config struct {
	Producers int
	Consumers int
	// BatchesPerSecond is the send rate of one producer worker.
	BatchesPerSecond float64
	BatchSize        int
	// Keys spreads messages over this many distinct keys; zero sends keyless messages.
	Keys         int
	ReceiveLimit int
	RampUp       time.Duration
	// IdleWait is how long a consumer sleeps after an empty receive.
	IdleWait time.Duration
	Payload  []byte
}

func (c Config) Validate() error {
	switch {
	case c.Producers < 0 || c.Consumers < 0:
		return errors.New("worker counts must be >= 0")
	case c.Producers+c.Consumers == 0:
		return errors.New("at least one producer or consumer is required")
	case c.Producers > 0 && (c.BatchesPerSecond <= 0 || c.BatchSize <= 0):
		return errors.New("producers need a positive rate and batch size")
	case c.Consumers > 0 && c.ReceiveLimit <= 0:
		return errors.New("consumers need a positive receive limit")
	}
	return nil
}

// ShardReceiver is a consumer that can read with shard affinity. Consumer workers
// of a Runner use it when available, worker i reading shard i.
type ShardReceiver interface {
	ReceiveShard(ctx context.Context, shard, limit int, opts queue.ReceiveOptions) ([]queue.Message, error)
}

type Stats struct {
	Sent     int64
	Received int64
	Deleted  int64
	Errors   int64
}

type Runner struct {
	cfg      Config
	producer queue.Producer
	consumer queue.Consumer
	log      *slog.Logger

	operations *prometheus.CounterVec
	messages   *prometheus.CounterVec
	workers    prometheus.Gauge

	sent     atomic.Int64
	received atomic.Int64
	deleted  atomic.Int64
	errs     atomic.Int64
}

func NewRunner(cfg Config, producer queue.Producer, consumer queue.Consumer, reg prometheus.Registerer, log *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 200 * time.Millisecond
	}
	r := &Runner{
		cfg:      cfg,
		producer: producer,
		consumer: consumer,
		log:      log,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardq_loadgen_operations_total",
			Help: "Queue operations issued by the load generator.",
		}, []string{"operation", "outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardq_loadgen_messages_total",
			Help: "Messages moved by the load generator.",
		}, []string{"operation"}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardq_loadgen_workers",
			Help: "Currently running load generator workers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.operations, r.messages, r.workers)
	}
	return r, nil
}

// Run starts every worker and blocks until ctx is done and all workers returned.
func (r *Runner) Run(ctx context.Context) Stats {
	total := r.cfg.Producers + r.cfg.Consumers
	var wg sync.WaitGroup
	for i := range r.cfg.Producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !r.rampUp(ctx, i, total) {
				return
			}
			r.workers.Inc()
			defer r.workers.Dec()
			r.produce(ctx, i)
		}()
	}
	for i := range r.cfg.Consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !r.rampUp(ctx, r.cfg.Producers+i, total) {
				return
			}
			r.workers.Inc()
			defer r.workers.Dec()
			r.consume(ctx, i)
		}()
	}
	wg.Wait()
	return r.Stats()
}

func (r *Runner) Stats() Stats {
	return Stats{
		Sent:     r.sent.Load(),
		Received: r.received.Load(),
		Deleted:  r.deleted.Load(),
		Errors:   r.errs.Load(),
	}
}

func (r *Runner) rampUp(ctx context.Context, index, total int) bool {
	if r.cfg.RampUp <= 0 || total <= 1 {
		return ctx.Err() == nil
	}
	delay := time.Duration(float64(r.cfg.RampUp) / float64(total) * float64(index))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (r *Runner) produce(ctx context.Context, worker int) {
	interval := time.Duration(float64(time.Second) / r.cfg.BatchesPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		batch := make([]queue.SendMessage, r.cfg.BatchSize)
		for i := range batch {
			batch[i] = queue.SendMessage{Data: r.cfg.Payload}
			if r.cfg.Keys > 0 {
				batch[i].Key = fmt.Sprintf("key-%d", (worker*r.cfg.BatchSize+seq)%r.cfg.Keys)
			}
			seq++
		}
		ids, err := r.producer.Send(ctx, batch)
		if r.record("send", err) {
			r.sent.Add(int64(len(ids)))
			r.messages.WithLabelValues("send").Add(float64(len(ids)))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) consume(ctx context.Context, worker int) {
	receive := r.consumer.Receive
	if sr, ok := r.consumer.(ShardReceiver); ok {
		receive = func(ctx context.Context, limit int, opts queue.ReceiveOptions) ([]queue.Message, error) {
			return sr.ReceiveShard(ctx, worker, limit, opts)
		}
	}
	for ctx.Err() == nil {
		msgs, err := receive(ctx, r.cfg.ReceiveLimit, queue.ReceiveOptions{})
		if !r.record("receive", err) || len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.IdleWait):
			}
			continue
		}
		r.received.Add(int64(len(msgs)))
		r.messages.WithLabelValues("receive").Add(float64(len(msgs)))

		ids := make([]queue.ID, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		n, err := r.consumer.Delete(ctx, ids)
		if r.record("delete", err) {
			r.deleted.Add(int64(n))
			r.messages.WithLabelValues("delete").Add(float64(n))
		}
	}
}

// record counts one operation and reports whether it succeeded. Cancellation at
// shutdown is not counted as an error.
func (r *Runner) record(operation string, err error) bool {
	switch {
	case err == nil:
		r.operations.WithLabelValues(operation, "ok").Inc()
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		r.errs.Add(1)
		r.operations.WithLabelValues(operation, "error").Inc()
		r.log.Warn("queue operation failed", slog.String("operation", operation), slog.Any("error", err))
		return false
	}
}
