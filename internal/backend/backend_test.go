package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"entropy/pkg/logx"
)

type opener func(t *testing.T) (Backend, string)

func openTestFile(t *testing.T) (Backend, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := Open(Config{
		Driver:    "file",
		AuditCfg:  filepath.Join(dir, "audit.yaml"),
		RepairCfg: filepath.Join(dir, "repair.yaml"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(file): %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, dir
}

func openTestSQLite(t *testing.T) (Backend, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(dir, "registry.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, dir
}

func drivers() map[string]opener {
	return map[string]opener{
		"file":   openTestFile,
		"sqlite": openTestSQLite,
	}
}

func writeConf(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestAddScriptRejectsDuplicate(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			b, _ := open(t)

			if err := b.AddScript(ctx, KindAudit, "X", map[string]any{"conf": "x.yaml"}); err != nil {
				t.Fatalf("first AddScript: %v", err)
			}
			err := b.AddScript(ctx, KindAudit, "X", map[string]any{"conf": "other.yaml"})
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("second AddScript err = %v, want ErrConflict", err)
			}

			audits, err := b.ListAudits(ctx)
			if err != nil {
				t.Fatalf("ListAudits: %v", err)
			}
			if len(audits) != 1 || audits[0].Name != "X" {
				t.Fatalf("audits = %+v, want exactly one X", audits)
			}
			if got := audits[0].Conf(); got != "x.yaml" {
				t.Fatalf("conf = %q, registry was overwritten", got)
			}
		})
	}
}

func TestSameNameDifferentKinds(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			b, _ := open(t)
			if err := b.AddScript(ctx, KindAudit, "vm", nil); err != nil {
				t.Fatalf("AddScript audit: %v", err)
			}
			if err := b.AddScript(ctx, KindRepair, "vm", nil); err != nil {
				t.Fatalf("AddScript repair: %v", err)
			}
			for _, k := range []Kind{KindAudit, KindRepair} {
				ok, err := b.ScriptExists(ctx, k, "vm")
				if err != nil || !ok {
					t.Fatalf("ScriptExists(%s) = %v, %v", k, ok, err)
				}
			}
		})
	}
}

func TestRemoveScript(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			b, _ := open(t)
			for _, n := range []string{"a", "b", "c"} {
				if err := b.AddScript(ctx, KindRepair, n, map[string]any{"routing_key": n}); err != nil {
					t.Fatalf("AddScript %s: %v", n, err)
				}
			}
			if err := b.RemoveScript(ctx, KindRepair, "b"); err != nil {
				t.Fatalf("RemoveScript: %v", err)
			}
			if err := b.RemoveScript(ctx, KindRepair, "b"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second RemoveScript err = %v, want ErrNotFound", err)
			}
			repairs, err := b.ListRepairs(ctx)
			if err != nil {
				t.Fatalf("ListRepairs: %v", err)
			}
			if len(repairs) != 2 || repairs[0].Name != "a" || repairs[1].Name != "c" {
				t.Fatalf("repairs = %+v", repairs)
			}
			if repairs[1].Data["routing_key"] != "c" {
				t.Fatalf("remaining entry lost its data: %+v", repairs[1])
			}
		})
	}
}

func TestAuditConfigMergesConf(t *testing.T) {
	t.Parallel()
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			b, dir := open(t)
			writeConf(t, dir, "vm.yaml", `
schedule: "*/5 * * * *"
module: audit/vm_count
routing_key: vmcount
mq_host: rabbit
mq_port: 5673
mq_user: guest
mq_password: secret
hosts: [h1, h2]
`)
			err := b.AddScript(ctx, KindAudit, "vm", map[string]any{
				"conf":     "vm.yaml",
				"schedule": "* * * * *",
			})
			if err != nil {
				t.Fatalf("AddScript: %v", err)
			}

			d, err := b.AuditConfig(ctx, "vm")
			if err != nil {
				t.Fatalf("AuditConfig: %v", err)
			}
			if d.Name != "vm" || d.Module != "audit/vm_count" || d.RoutingKey != "vmcount" {
				t.Fatalf("descriptor = %+v", d)
			}
			if d.Schedule != "* * * * *" {
				t.Fatalf("schedule = %q, entry fields must win over conf", d.Schedule)
			}
			if d.Host != "rabbit" || d.Port != 5673 || d.User != "guest" || d.Password != "secret" {
				t.Fatalf("credentials = %+v", d.Credentials)
			}
			hosts, ok := d.Options["hosts"].([]any)
			if !ok || len(hosts) != 2 {
				t.Fatalf("options = %#v", d.Options)
			}
			if _, ok := d.Options["schedule"]; ok {
				t.Fatalf("known keys leaked into options: %#v", d.Options)
			}
		})
	}
}

func TestRepairConfigScriptAlias(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, dir := openTestFile(t)
	writeConf(t, dir, "react.yaml", "script: repair/vm_count_react\nrouting_key: vmcount\nlimit: 3\nrate_limit: 2\n")
	if err := b.AddScript(ctx, KindRepair, "react", map[string]any{"conf": "react.yaml"}); err != nil {
		t.Fatalf("AddScript: %v", err)
	}
	d, err := b.RepairConfig(ctx, "react")
	if err != nil {
		t.Fatalf("RepairConfig: %v", err)
	}
	if d.Module != "repair/vm_count_react" || d.RoutingKey != "vmcount" || d.RateLimit != 2 {
		t.Fatalf("descriptor = %+v", d)
	}
	if d.Options["limit"] != float64(3) {
		t.Fatalf("options = %#v", d.Options)
	}
}

func TestConfigErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, dir := openTestFile(t)

	if _, err := b.AuditConfig(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing audit err = %v, want ErrNotFound", err)
	}

	writeConf(t, dir, "noschedule.yaml", "module: audit/vm_count\n")
	if err := b.AddScript(ctx, KindAudit, "bad", map[string]any{"conf": "noschedule.yaml"}); err != nil {
		t.Fatalf("AddScript: %v", err)
	}
	if _, err := b.AuditConfig(ctx, "bad"); err == nil {
		t.Fatal("expected error for audit without schedule")
	}

	if err := b.AddScript(ctx, KindAudit, "noconf", map[string]any{"conf": "nope.yaml"}); err != nil {
		t.Fatalf("AddScript: %v", err)
	}
	if _, err := b.AuditConfig(ctx, "noconf"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing conf err = %v, want os.ErrNotExist", err)
	}
}

func TestFileBackendAppendsDocuments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, dir := openTestFile(t)
	for _, n := range []string{"one", "two"} {
		if err := b.AddScript(ctx, KindAudit, n, map[string]any{"conf": n + ".yaml"}); err != nil {
			t.Fatalf("AddScript: %v", err)
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, "audit.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	want := "---\nconf: one.yaml\nname: one\n---\nconf: two.yaml\nname: two\n"
	if string(data) != want {
		t.Fatalf("registry file =\n%s\nwant\n%s", data, want)
	}

	// Hand-edited registries keep working.
	f, err := os.OpenFile(filepath.Join(dir, "audit.yaml"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("---\nname: three\nconf: three.yaml\n")
	_ = f.Close()

	audits, err := b.ListAudits(ctx)
	if err != nil {
		t.Fatalf("ListAudits: %v", err)
	}
	if len(audits) != 3 || audits[2].Name != "three" {
		t.Fatalf("audits = %+v", audits)
	}
}

func TestFileBackendAppendsAfterUnterminatedLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, dir := openTestFile(t)
	if err := os.WriteFile(filepath.Join(dir, "audit.yaml"), []byte("name: one\nconf: one.yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := b.AddScript(ctx, KindAudit, "two", map[string]any{"conf": "two.yaml"}); err != nil {
		t.Fatalf("AddScript: %v", err)
	}

	audits, err := b.ListAudits(ctx)
	if err != nil {
		t.Fatalf("ListAudits: %v", err)
	}
	if len(audits) != 2 || audits[0].Name != "one" || audits[1].Name != "two" {
		t.Fatalf("audits = %+v", audits)
	}
	data, err := os.ReadFile(filepath.Join(dir, "audit.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	want := "name: one\nconf: one.yaml\n---\nconf: two.yaml\nname: two\n"
	if string(data) != want {
		t.Fatalf("registry file =\n%s\nwant\n%s", data, want)
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without paths")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite driver without path")
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"audit", KindAudit, false},
		{" Repair ", KindRepair, false},
		{"cron", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseKind(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestDescribeValidatesBeforeRegistration(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeConf(t, dir, "ok.yaml", "schedule: '*/5 * * * *'\nmodule: audit/vm_count\nlimit: 3\n")
	writeConf(t, dir, "noschedule.yaml", "module: audit/vm_count\n")
	writeConf(t, dir, "react.yaml", "script: repair/vm_count_react\nrate_limit: 2\n")

	d, err := DescribeAudit("ok", map[string]any{"conf": "ok.yaml"}, dir)
	if err != nil {
		t.Fatalf("DescribeAudit: %v", err)
	}
	if d.Module != "audit/vm_count" || d.Options["limit"] != float64(3) {
		t.Fatalf("descriptor = %+v", d)
	}
	if _, err := DescribeAudit("bad", map[string]any{"conf": "noschedule.yaml"}, dir); err == nil {
		t.Fatal("expected error for missing schedule")
	}
	if _, err := DescribeAudit("", map[string]any{"conf": "ok.yaml"}, dir); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := DescribeAudit("gone", map[string]any{"conf": "missing.yaml"}, dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}

	r, err := DescribeRepair("react", map[string]any{"conf": "react.yaml"}, dir)
	if err != nil || r.Module != "repair/vm_count_react" || r.RateLimit != 2 {
		t.Fatalf("DescribeRepair = %+v, %v", r, err)
	}
}
