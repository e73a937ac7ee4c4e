package app

import (
	"context"
	"os"
	"strings"
	"testing"

	"guardline/internal/config"
	"guardline/internal/events"
	"guardline/internal/policy"
)

func writeConfig(t *testing.T, dir string, edit func(string) string) {
	t.Helper()
	data := edit(config.DefaultYAML)
	if err := os.WriteFile(config.Path(dir), []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestOpenWiresGuardedWrites(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, func(s string) string {
		s = strings.Replace(s, "allow_writes: false", "allow_writes: true", 1)
		return strings.Replace(s, "dry_run: true", "dry_run: false", 1)
	})
	rt, err := Open(Options{Workspace: dir, Journal: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	_, report, err := rt.Engine.Set(ctx, policy.WriteRequest{Channel: "bias_v", Target: 0.2}, false)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if report.AppliedSteps != 2 {
		t.Fatalf("expected 2 steps of 0.05 from 0.1, got %+v", report)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	evs, err := events.Tail(rt.JournalDir(), 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	var audits, results int
	for _, ev := range evs {
		switch ev.Type {
		case "write_audit":
			audits++
		case "command_result":
			results++
		}
	}
	if audits != 2 || results != 3 {
		t.Fatalf("expected 2 audit and 3 command events, got %d %d", audits, results)
	}

	next, err := Open(Options{Workspace: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, err := next.Engine.CurrentValue(ctx, "bias_v")
	if err != nil || v != 0.2 {
		t.Fatalf("expected persisted simulator value 0.2, got %v %v", v, err)
	}
}

func TestDefaultConfigBlocksWrites(t *testing.T) {
	rt, err := Open(Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _, err = rt.Engine.Set(context.Background(), policy.WriteRequest{Channel: "bias_v", Target: 0.2}, false)
	if !policy.IsViolation(err, policy.KindWritesDisabled) {
		t.Fatalf("expected writes disabled, got %v", err)
	}
}

func TestReloadSwapsRules(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, func(s string) string { return s })
	rt, err := Open(Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	writeConfig(t, dir, func(s string) string {
		return strings.Replace(s, "allow_writes: false", "allow_writes: true", 1)
	})
	if err := rt.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !rt.Rules.Current().AllowWrites {
		t.Fatalf("reload did not apply")
	}
}
