// Package vmcount provides the vm_count audit, which counts running libvirt
// domains on compute hosts over ssh, and the vm_count_react repair, which
// flags hosts above a limit.
package vmcount

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"entropy/internal/bus"
	"entropy/internal/plugin"
	"entropy/pkg/logx"
)

const (
	AuditID  = "vm_count"
	RepairID = "vm_count_react"

	DefaultCommand = "virsh list | grep -c running"
	// DefaultParallel caps concurrent ssh sessions per audit run.
	DefaultParallel = 8
)

// AuditOptions are the vm_count keys of an audit descriptor.
type AuditOptions struct {
	SSHConfig
	ComputeHosts []string `json:"compute_hosts"`
	Command      string   `json:"command"`
	Sudo         bool     `json:"sudo"`
	Parallel     int      `json:"parallel"`
}

// Result is the payload published by vm_count.
type Result struct {
	VMCount map[string]int    `json:"vm_count"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// Audit counts running VMs per host.
type Audit struct {
	opts   AuditOptions
	runner Runner
	log    logx.Logger
}

func NewAudit(opts AuditOptions, runner Runner, log logx.Logger) (*Audit, error) {
	hosts := make([]string, 0, len(opts.ComputeHosts))
	for _, h := range opts.ComputeHosts {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		return nil, errors.New("vm_count: compute_hosts is required")
	}
	opts.ComputeHosts = hosts
	if strings.TrimSpace(opts.Command) == "" {
		opts.Command = DefaultCommand
	}
	if opts.Sudo {
		opts.Command = "sudo -n sh -c '" + strings.ReplaceAll(opts.Command, "'", `'\''`) + "'"
	}
	if opts.Parallel <= 0 {
		opts.Parallel = DefaultParallel
	}
	if runner == nil {
		return nil, errors.New("vm_count: runner is nil")
	}
	return &Audit{opts: opts, runner: runner, log: log}, nil
}

// Run queries every host. It fails only when no host answered.
func (a *Audit) Run(ctx context.Context) (any, error) {
	res := Result{VMCount: map[string]int{}}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, a.opts.Parallel)

	for _, host := range a.opts.ComputeHosts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				setErr(&res, host, ctx.Err())
				mu.Unlock()
				return
			}
			defer func() { <-sem }()

			n, err := a.count(ctx, host)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				setErr(&res, host, err)
				a.log.Warn("vm count failed", logx.String("host", host), logx.Err(err))
				return
			}
			res.VMCount[host] = n
			a.log.Debug("vm count", logx.String("host", host), logx.Int("running", n))
		}()
	}
	wg.Wait()

	if len(res.VMCount) == 0 {
		return nil, fmt.Errorf("vm_count: no host answered (%s)", joinErrors(res.Errors))
	}
	return res, nil
}

func (a *Audit) count(ctx context.Context, host string) (int, error) {
	out, err := a.runner.Run(ctx, host, a.opts.Command)
	n, perr := strconv.Atoi(strings.TrimSpace(out))
	if perr == nil {
		// grep -c exits 1 when it counted zero lines.
		var exit *ExitError
		if err == nil || (errors.As(err, &exit) && exit.Status == 1) {
			return n, nil
		}
	}
	if err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("unexpected output %q", strings.TrimSpace(out))
}

func setErr(res *Result, host string, err error) {
	if res.Errors == nil {
		res.Errors = map[string]string{}
	}
	res.Errors[host] = err.Error()
}

func joinErrors(m map[string]string) string {
	hosts := make([]string, 0, len(m))
	for h := range m {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	parts := make([]string, 0, len(hosts))
	for _, h := range hosts {
		parts = append(parts, h+": "+m[h])
	}
	return strings.Join(parts, "; ")
}

// RepairOptions are the vm_count_react keys of a repair descriptor.
type RepairOptions struct {
	Limit int `json:"limit"`
}

// Over is one host above the limit.
type Over struct {
	Host  string
	Count int
}

// Repair reports hosts running more VMs than Limit.
type Repair struct {
	limit int
	log   logx.Logger
	// OnOver, when set, is called with the offending hosts of each message.
	OnOver func(ctx context.Context, over []Over)
}

func NewRepair(opts RepairOptions, log logx.Logger) (*Repair, error) {
	if opts.Limit < 0 {
		return nil, fmt.Errorf("vm_count_react: limit must be >= 0, got %d", opts.Limit)
	}
	return &Repair{limit: opts.Limit, log: log}, nil
}

func (r *Repair) React(ctx context.Context, msg bus.Message) error {
	var res Result
	if err := msg.Decode(&res); err != nil {
		return fmt.Errorf("vm_count_react: decode payload from %s: %w", msg.Source, err)
	}
	over := Exceeding(res.VMCount, r.limit)
	for _, o := range over {
		r.log.Error("host runs more VMs than allowed",
			logx.String("host", o.Host),
			logx.Int("vms", o.Count),
			logx.Int("limit", r.limit),
			logx.String("source", msg.Source),
		)
	}
	if len(over) > 0 && r.OnOver != nil {
		r.OnOver(ctx, over)
	}
	return nil
}

// Exceeding lists hosts whose count is above limit, sorted by host.
func Exceeding(counts map[string]int, limit int) []Over {
	var out []Over
	for h, n := range counts {
		if n > limit {
			out = append(out, Over{Host: h, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Register adds vm_count and vm_count_react to reg.
func Register(reg *plugin.Registry) error {
	if err := reg.RegisterAudit(AuditID, newAuditPlugin); err != nil {
		return err
	}
	return reg.RegisterRepair(RepairID, func(d plugin.Deps) (plugin.RepairPlugin, error) {
		opts, err := plugin.DecodeOptions[RepairOptions](d.Options)
		if err != nil {
			return nil, fmt.Errorf("vm_count_react options: %w", err)
		}
		return NewRepair(opts, d.Logger)
	})
}

func newAuditPlugin(d plugin.Deps) (plugin.AuditPlugin, error) {
	opts, err := plugin.DecodeOptions[AuditOptions](d.Options)
	if err != nil {
		return nil, fmt.Errorf("vm_count options: %w", err)
	}
	runner, err := NewSSHRunner(opts.SSHConfig, d.Logger)
	if err != nil {
		return nil, fmt.Errorf("vm_count: %w", err)
	}
	return NewAudit(opts, runner, d.Logger)
}
