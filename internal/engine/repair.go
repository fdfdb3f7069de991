package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entropy/internal/bus"
	"entropy/internal/plugin"
	"entropy/internal/runtime/supervisor"
	"entropy/pkg/logx"

	"golang.org/x/time/rate"
)

var errSubscriptionClosed = errors.New("subscription closed")

// QueueName is the bus queue a repair consumes from.
func QueueName(engine, repair string) string { return engine + "." + repair }

// startRepair launches the consumer for one repair unless it is already
// running. It reports whether a consumer was started.
func (e *Engine) startRepair(name string) bool {
	e.mu.Lock()
	if _, ok := e.runningRepairs[name]; ok {
		e.mu.Unlock()
		return false
	}
	e.runningRepairs[name] = e.clk.Now()
	e.mu.Unlock()

	e.repairs.GoRestart("repair."+name, func(ctx context.Context) error {
		err := e.runRepair(ctx, name)
		if err == nil {
			e.repairStopped(name)
		}
		return err
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	return true
}

func (e *Engine) repairStopped(name string) {
	e.mu.Lock()
	delete(e.runningRepairs, name)
	e.mu.Unlock()
}

// runRepair consumes the repair's queue until ctx ends. An error makes the
// supervisor restart it; nil retires it (bad config or plugin).
func (e *Engine) runRepair(ctx context.Context, name string) error {
	log := e.log.With(logx.String("repair", name))

	desc, err := e.deps.Backend.RepairConfig(ctx, name)
	if err != nil {
		log.Error("repair config unreadable; not started", logx.Err(err))
		return nil
	}
	factory, id, err := e.deps.Plugins.ResolveRepair(desc.Module)
	if err != nil {
		log.Error("repair plugin not resolved; not started", logx.Err(err))
		return nil
	}
	p, err := factory(plugin.Deps{Script: desc.Name, Options: desc.Options, Logger: log.With(logx.String("plugin", id))})
	if err != nil {
		log.Error("repair plugin init failed; not started", logx.Err(err))
		return nil
	}

	b, err := e.deps.Dialer.Dial(ctx, desc.Credentials)
	if err != nil {
		return fmt.Errorf("dial bus: %w", err)
	}
	if err := b.DeclareExchange(ctx, e.cfg.Exchange); err != nil {
		return fmt.Errorf("declare exchange %s: %w", e.cfg.Exchange.Name, err)
	}
	deliveries, err := b.Subscribe(ctx, bus.Binding{
		Queue:      QueueName(e.cfg.Name, name),
		Exchange:   e.cfg.Exchange.Name,
		RoutingKey: desc.RoutingKey,
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	var limiter *rate.Limiter
	if desc.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(desc.RateLimit), max(1, int(desc.RateLimit)))
	}
	log.Info("repair consuming",
		logx.String("queue", QueueName(e.cfg.Name, name)),
		logx.String("routing_key", desc.RoutingKey),
		logx.String("plugin", id),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errSubscriptionClosed
			}
			// A fanout exchange hands every queue every message.
			if desc.RoutingKey != "" && d.RoutingKey != desc.RoutingKey {
				_ = d.Ack()
				continue
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					_ = d.Nack(true)
					return nil
				}
			}
			if err := plugin.SafeReact(ctx, p, d.Message); err != nil {
				log.Error("repair failed",
					logx.Err(&ExecutionError{Kind: "repair", Script: name, Err: err}),
					logx.String("source", d.Message.Source),
					logx.Time("at", e.clk.Now()),
				)
			}
			if err := d.Ack(); err != nil {
				log.Warn("ack failed", logx.Err(err))
			}
		}
	}
}
