package runtime

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/netmate-project/meter-core/internal/capture"
	"github.com/netmate-project/meter-core/internal/classifier"
	"github.com/netmate-project/meter-core/internal/control"
	"github.com/netmate-project/meter-core/internal/export"
	"github.com/netmate-project/meter-core/internal/metrics"
	"github.com/netmate-project/meter-core/internal/netheader"
	"github.com/netmate-project/meter-core/internal/processor"
	"github.com/netmate-project/meter-core/internal/ringbuffer"
	"github.com/netmate-project/meter-core/internal/rules"
	"github.com/netmate-project/meter-core/internal/scheduler"
)

// Runtime threads one Config through every component and drives them as a
// single errgroup, the composition-root analogue of Meter.cc's main(): no
// package-level globals, every long-lived object is a field here (spec §9
// "Global mutable state").
type Runtime struct {
	cfg *Config
	log *zap.Logger
	lvl zap.AtomicLevel

	lock *Lock

	classifier classifier.Classifier
	sched      *scheduler.Scheduler
	rulesMgr   *rules.Manager
	registry   *metrics.Registry
	proc       *processor.Processor
	exporter   *export.Exporter
	ctrl       *control.Controller

	sources []capture.Source

	grpcServer *grpc.Server
}

// New wires every component from cfg but does not yet start any goroutine
// (Run does that). The classifier backend defaults to the RFC engine; pass
// a nil registry to use metrics.DefaultRegistry. offlineStart is the zero
// time for a live deployment (the scheduler runs off the system clock); a
// non-zero value puts the scheduler under offline-clock control, driven by
// AdvanceClock as replayed packets are processed (spec §4.2 offline
// replay) instead of wall time.
func New(cfg *Config, log *zap.Logger, lvl zap.AtomicLevel, registry *metrics.Registry, offlineStart time.Time) (*Runtime, error) {
	if registry == nil {
		registry = metrics.DefaultRegistry()
	}

	sched := scheduler.New()
	if !offlineStart.IsZero() {
		sched = scheduler.NewWithClock(scheduler.NewOfflineClock(offlineStart))
	}

	rt := &Runtime{
		cfg:        cfg,
		log:        log,
		lvl:        lvl,
		classifier: classifier.NewRFC(),
		sched:      sched,
		registry:   registry,
		exporter:   export.New(cfg.ExportQueueCapacity),
	}
	rt.rulesMgr = rules.NewManager(rt.classifier, rt.sched)
	rt.proc = processor.New(rt.registry, rt.sched)
	rt.ctrl = control.NewController(rt.rulesMgr, rt.registry, nil)

	rt.exporter.OnExportError(func(ruleID uint32, moduleName string, err error) {
		rt.log.Warn("export module error",
			zap.Uint32("rule_id", ruleID), zap.String("module", moduleName), zap.Error(err))
	})

	rt.proc.OnExport = func(ruleID uint32, rec *processor.Record, final bool) {
		rt.exporter.Submit(&export.Record{
			RuleID:    ruleID,
			FlowKey:   rec.Key,
			FirstSeen: rec.FirstSeen,
			LastSeen:  rec.LastSeen,
			Final:     final,
			Fields:    rec.Fields(),
		})
	}

	rt.rulesMgr.OnActivate = func(r *classifier.Rule) {
		if err := rt.proc.ActivateRule(r); err != nil {
			rt.log.Error("activate rule failed", zap.Uint32("rule_id", r.ID), zap.Error(err))
			return
		}
		rt.exporter.SetRuleModules(r.ID, resolveExportModules(r, rt.log))
	}
	rt.rulesMgr.OnDeactivate = func(r *classifier.Rule) {
		rt.proc.DeactivateRule(r)
		rt.exporter.ClearRuleModules(r.ID)
	}

	return rt, nil
}

// resolveExportModules builds r's export module chain from its
// ExportModules configuration, falling back to a single LogModule when
// none is configured so every rule exports somewhere observable. A "csv"
// entry writes to the file named by its Params["path"], appending if it
// already exists.
func resolveExportModules(r *classifier.Rule, log *zap.Logger) []export.Module {
	if len(r.ExportModules) == 0 {
		return []export.Module{export.NewLogModule(log.Named("export").Named(r.SetName))}
	}
	mods := make([]export.Module, 0, len(r.ExportModules))
	for _, mc := range r.ExportModules {
		switch mc.Name {
		case "log":
			mods = append(mods, export.NewLogModule(log.Named("export").Named(r.SetName)))
		case "csv":
			path := mc.Params["path"]
			if path == "" {
				log.Warn("csv export module missing path param, skipping", zap.Uint32("rule_id", r.ID))
				continue
			}
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				log.Error("open csv export file failed", zap.String("path", path), zap.Error(err), zap.Uint32("rule_id", r.ID))
				continue
			}
			mods = append(mods, export.NewCSVModule(f))
		default:
			log.Warn("unknown export module, skipping", zap.String("module", mc.Name), zap.Uint32("rule_id", r.ID))
		}
	}
	return mods
}

// AddSource registers a capture source to be polled once Run starts.
func (rt *Runtime) AddSource(src capture.Source) {
	rt.sources = append(rt.sources, src)
}

// Controller exposes the wired Controller. Run registers the same
// Controller with the control-channel gRPC server itself.
func (rt *Runtime) Controller() *control.Controller { return rt.ctrl }

// Run starts the scheduler, exporter, every registered capture source, and
// (if ControlListenAddress is set) the control-channel gRPC server, and
// blocks until ctx is cancelled or any of them returns an error —
// errgroup.WithContext is the teacher's standard multi-goroutine
// composition (coordinator/cmd/coordinator/main.go's run()).
func (rt *Runtime) Run(ctx context.Context) error {
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error { return rt.sched.Run(ctx) })
	wg.Go(func() error { return rt.exporter.Run(ctx) })

	for _, src := range rt.sources {
		src := src
		ring := ringbuffer.New[*netheader.Meta](rt.cfg.RingBufferSize, 1)
		wg.Go(func() error { return rt.capturePackets(ctx, src, ring) })
		wg.Go(func() error { return rt.classifyAndProcess(ctx, ring) })
	}

	if rt.cfg.ControlListenAddress != "" {
		lis, err := net.Listen("tcp", rt.cfg.ControlListenAddress)
		if err != nil {
			return fmt.Errorf("listen control channel: %w", err)
		}
		rt.grpcServer = grpc.NewServer()
		control.RegisterControlServer(rt.grpcServer, control.NewService(rt.ctrl))

		wg.Go(func() error { return rt.grpcServer.Serve(lis) })
		wg.Go(func() error {
			<-ctx.Done()
			rt.grpcServer.GracefulStop()
			return nil
		})
	}

	return wg.Wait()
}

// capturePackets is the ring's producer side: it reads parsed packets from
// src and hands them to the ring, decoupling capture from classification
// (spec §4.1). src.Next already parsed each frame into a *netheader.Meta
// (which owns its own byte slice), so the reservation's byte buffer is
// unused here — only the bounded-queue/drop-and-count behavior matters
// for this handoff, not a second data copy.
func (rt *Runtime) capturePackets(ctx context.Context, src capture.Source, ring *ringbuffer.Ring[*netheader.Meta]) error {
	for {
		m, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if _, slot, ok := ring.Reserve(); ok {
			ring.Commit(slot, 0, m)
		}
	}
}

// classifyAndProcess is the ring's consumer side: classification and
// packet processing run here, off the capture goroutine.
func (rt *Runtime) classifyAndProcess(ctx context.Context, ring *ringbuffer.Ring[*netheader.Meta]) error {
	for {
		lease, err := ring.Peek(ctx)
		if err != nil {
			return err
		}
		m := lease.Meta
		lease.Release()

		// No-op unless the scheduler was built with an offline clock
		// (New's offlineStart parameter).
		rt.sched.AdvanceClock(time.UnixMicro(m.TimestampUS))
		if rt.classifier.Classify(m) == 0 {
			continue
		}
		rt.proc.ProcessPacket(m)
	}
}

// Close releases the pid lock and any other process-lifetime resource
// acquired outside Run (currently just the lock file).
func (rt *Runtime) Close() error {
	if rt.lock != nil {
		return rt.lock.Release()
	}
	return nil
}

// SetLock attaches a previously acquired pid lock so Close releases it.
func (rt *Runtime) SetLock(l *Lock) { rt.lock = l }
