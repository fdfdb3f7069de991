package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"entropy/internal/backend"
	"entropy/internal/bus"
	"entropy/internal/config"
	"entropy/internal/plugin"
	"entropy/internal/runqueue"
	"entropy/pkg/logx"
)

type auditStats struct {
	runs      uint64
	failures  uint64
	published uint64
	lastRun   time.Time
	lastErr   string
	lastErrAt time.Time
}

// dispatchAudit runs one scheduled audit and publishes its result. Every
// failure is logged with the audit's name and stays inside this call.
func (e *Engine) dispatchAudit(ctx context.Context, run runqueue.ScheduledRun) (err error) {
	log := e.log.With(logx.String("audit", run.Audit), logx.Time("due", run.Time))
	defer func() {
		e.recordAudit(run.Audit, run.Time, err)
		if err != nil {
			log.Error("audit failed", logx.Err(err), logx.Time("at", e.clk.Now()))
		}
	}()

	exists, err := e.deps.Backend.ScriptExists(ctx, backend.KindAudit, run.Audit)
	if err != nil {
		return err
	}
	if !exists {
		log.Info("audit no longer registered; skipping")
		return nil
	}
	desc, err := e.deps.Backend.AuditConfig(ctx, run.Audit)
	if err != nil {
		return err
	}

	factory, id, err := e.deps.Plugins.ResolveAudit(desc.Module)
	if err != nil {
		return err
	}
	p, err := factory(plugin.Deps{Script: desc.Name, Options: desc.Options, Logger: log.With(logx.String("plugin", id))})
	if err != nil {
		return &ExecutionError{Kind: "audit", Script: run.Audit, Err: fmt.Errorf("init plugin %s: %w", id, err)}
	}

	timeout := e.cfg.AuditTimeout
	if strings.TrimSpace(desc.Timeout) != "" {
		if timeout, err = config.ParseDurationOrDefault("audit "+desc.Name+" timeout", desc.Timeout, e.cfg.AuditTimeout); err != nil {
			return err
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	payload, err := plugin.SafeRun(runCtx, p)
	cancel()
	if err != nil {
		return &ExecutionError{Kind: "audit", Script: run.Audit, Err: err}
	}

	msg, err := bus.NewMessage(desc.Name, e.clk.Now(), payload)
	if err != nil {
		return &ExecutionError{Kind: "audit", Script: run.Audit, Err: err}
	}
	// A stalled broker must not hold the worker past the audit's budget.
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	err = e.publish(pubCtx, desc, msg)
	cancel()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.stats(run.Audit).published++
	e.mu.Unlock()
	log.Info("audit published", logx.String("routing_key", desc.RoutingKey), logx.Int("payload_bytes", len(msg.Payload)))
	return nil
}

func (e *Engine) publish(ctx context.Context, desc backend.AuditDescriptor, msg bus.Message) error {
	b, err := e.deps.Dialer.Dial(ctx, desc.Credentials)
	if err != nil {
		return fmt.Errorf("dial bus: %w", err)
	}
	if err := b.DeclareExchange(ctx, e.cfg.Exchange); err != nil {
		return fmt.Errorf("declare exchange %s: %w", e.cfg.Exchange.Name, err)
	}
	if err := b.Publish(ctx, e.cfg.Exchange.Name, desc.RoutingKey, msg); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", e.cfg.Exchange.Name, desc.RoutingKey, err)
	}
	return nil
}

// stats returns the counters for one audit. Caller holds e.mu.
func (e *Engine) stats(name string) *auditStats {
	st := e.audits[name]
	if st == nil {
		st = &auditStats{}
		e.audits[name] = st
	}
	return st
}

func (e *Engine) recordAudit(name string, due time.Time, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stats(name)
	st.runs++
	st.lastRun = due
	if err != nil {
		st.failures++
		st.lastErr = err.Error()
		st.lastErrAt = e.clk.Now()
	}
}
