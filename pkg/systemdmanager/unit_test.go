package systemdmanager

import (
	"errors"
	"testing"
	"time"
)

func TestUnitName(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"nginx":           "nginx.service",
		" nginx ":         "nginx.service",
		"nginx.service":   "nginx.service",
		"backup.timer":    "backup.timer",
		"docker.socket":   "docker.socket",
		"":                "",
		"libvirtd.daemon": "libvirtd.daemon.service",
	}
	for in, want := range cases {
		if got := UnitName(in); got != want {
			t.Errorf("UnitName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	props := map[string]any{
		"StateChangeTimestamp": uint64(at.UnixMicro()),
		"Zero":                 uint64(0),
		"Wrong":                "yesterday",
	}
	if got := parseTimestamp(props, "StateChangeTimestamp"); !got.Equal(at) {
		t.Fatalf("parsed %v, want %v", got, at)
	}
	for _, k := range []string{"Zero", "Wrong", "Missing"} {
		if got := parseTimestamp(props, k); !got.IsZero() {
			t.Fatalf("%s parsed to %v", k, got)
		}
	}
}

func TestStatusHelpers(t *testing.T) {
	t.Parallel()
	if !(UnitStatus{Active: "failed"}).Failed() {
		t.Fatal("failed unit not reported failed")
	}
	if !(UnitStatus{LoadState: "not-found"}).NotFound() {
		t.Fatal("missing unit not reported")
	}
	if !isNoSuchUnitErr(errors.New("org.freedesktop.systemd1.NoSuchUnit: Unit x.service not loaded.")) {
		t.Fatal("NoSuchUnit not detected")
	}
	if err := jobResult("x.service", "restart", "done"); err != nil {
		t.Fatalf("done = %v", err)
	}
	if err := jobResult("x.service", "restart", "failed"); err == nil {
		t.Fatal("failed job returned nil")
	}
}
