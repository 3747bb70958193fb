// Package scheduler runs bearerbox's periodic housekeeping jobs: store
// compaction and a stats snapshot emitted in InfluxDB line-protocol format.
// Grounded on the teacher's internal/taskManager: a single gocron.Scheduler
// instance, one unexported register* method per job, Start/Shutdown
// lifecycle methods.
package scheduler

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/influxdata/line-protocol/v2/lineprotocol"

	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/kannelcore/bearerbox/internal/smsc"
	"github.com/kannelcore/bearerbox/internal/store"
)

// Config controls job intervals; a zero interval disables that job.
type Config struct {
	CompactionInterval time.Duration
	StatsInterval      time.Duration
}

// PoolStatus is the subset of internal/smsc.Pool the stats job reads.
type PoolStatus interface {
	Status() []smsc.StatusSnapshot
}

// Scheduler owns the gocron instance and the jobs registered on it.
type Scheduler struct {
	cfg   Config
	store *store.Store
	pool  PoolStatus
	out   io.Writer

	s gocron.Scheduler
}

func New(cfg Config, st *store.Store, pool PoolStatus, statsOut io.Writer) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create: %w", err)
	}
	return &Scheduler{cfg: cfg, store: st, pool: pool, out: statsOut, s: s}, nil
}

// Start registers every configured job and begins running them.
func (sc *Scheduler) Start() error {
	if sc.cfg.CompactionInterval > 0 {
		if err := sc.registerCompaction(); err != nil {
			return err
		}
	}
	if sc.cfg.StatsInterval > 0 && sc.out != nil {
		if err := sc.registerStats(); err != nil {
			return err
		}
	}
	sc.s.Start()
	return nil
}

func (sc *Scheduler) Shutdown() error {
	return sc.s.Shutdown()
}

func (sc *Scheduler) registerCompaction() error {
	_, err := sc.s.NewJob(
		gocron.DurationJob(sc.cfg.CompactionInterval),
		gocron.NewTask(func() {
			if err := sc.store.Compact(); err != nil {
				blog.Errorf("scheduler: store compaction failed: %v", err)
				return
			}
			blog.Debug("scheduler: store compacted")
		}),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register compaction: %w", err)
	}
	return nil
}

// registerStats periodically writes one line-protocol point per connector
// ("bearerbox_smsc,id=<id> status=<n>,received=<n>,sent=<n>,failed=<n>,
// load=<n>"), the shape the pack's NATS/line-protocol consumers expect.
func (sc *Scheduler) registerStats() error {
	_, err := sc.s.NewJob(
		gocron.DurationJob(sc.cfg.StatsInterval),
		gocron.NewTask(func() {
			if err := sc.emitStats(); err != nil {
				blog.Warnf("scheduler: stats emission failed: %v", err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register stats: %w", err)
	}
	return nil
}

func (sc *Scheduler) emitStats() error {
	var buf bytes.Buffer
	enc := lineprotocol.NewEncoder(&buf)
	enc.SetPrecision(lineprotocol.Second)
	now := time.Now()

	for _, c := range sc.pool.Status() {
		enc.StartLine("bearerbox_smsc")
		enc.AddTag("id", c.ID)
		enc.AddField("status", lineprotocol.IntValue(int64(c.Status)))
		enc.AddField("received", lineprotocol.IntValue(c.Received))
		enc.AddField("sent", lineprotocol.IntValue(c.Sent))
		enc.AddField("failed", lineprotocol.IntValue(c.Failed))
		enc.AddField("load", lineprotocol.IntValue(int64(c.Load)))
		enc.EndLine(now)
	}

	if err := enc.Err(); err != nil {
		return fmt.Errorf("scheduler: encode stats: %w", err)
	}
	_, err := sc.out.Write(buf.Bytes())
	return err
}
