package cli

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/emberveil/sagalog/internal/saga/store"
	"github.com/emberveil/sagalog/internal/saga/transaction"
)

const testTemplateYAML = `ref: dragon_lair
name: Dragon Lair
triggers:
  - ref: t1
    name: Lair entrance
entities:
  - ref: dragon
    name: Dragon
    max_health: 100
`

func testApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	templateDir := filepath.Join(dir, "templates")
	if err := os.MkdirAll(templateDir, 0o755); err != nil {
		t.Fatalf("mkdir templates: %v", err)
	}
	if err := os.WriteFile(filepath.Join(templateDir, "dragon_lair.yaml"), []byte(testTemplateYAML), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	app := NewApp(Config{
		DBPath:      filepath.Join(dir, "saga.db"),
		TemplateDir: templateDir,
		SnapshotDir: filepath.Join(dir, "snapshots"),
	}, slog.New(slog.DiscardHandler))
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func run(t *testing.T, app *App, args ...string) string {
	t.Helper()
	root := NewRoot(app)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("sagalog %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestInstanceAppendCommitStateFlow(t *testing.T) {
	app := testApp(t)

	out := run(t, app, "instance", "get-or-create", "--owner", "owner-1", "--template", "dragon_lair")
	var inst store.Instance
	if err := json.Unmarshal([]byte(out), &inst); err != nil {
		t.Fatalf("decode instance: %v\n%s", err, out)
	}
	if inst.ID == "" || inst.Kind != store.KindOwned {
		t.Fatalf("unexpected instance: %+v", inst)
	}

	run(t, app, "append",
		"--instance", inst.ID,
		"--actor", "actor-1",
		"--type", "trigger.activated",
		"--data", "trigger_ref=t1")

	out = run(t, app, "log", "--instance", inst.ID)
	var txs []transaction.Transaction
	if err := json.Unmarshal([]byte(out), &txs); err != nil {
		t.Fatalf("decode log: %v\n%s", err, out)
	}
	if len(txs) != 1 || txs[0].Status != transaction.StatusPending {
		t.Fatalf("unexpected log: %+v", txs)
	}

	run(t, app, "commit", "--instance", inst.ID, txs[0].ID)

	out = run(t, app, "state", "--instance", inst.ID)
	var st map[string]any
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode state: %v\n%s", err, out)
	}

	out = run(t, app, "stats")
	var stats store.Statistics
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats: %v\n%s", err, out)
	}
	if stats.InstanceCount != 1 || stats.CommittedCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAppendRejectsMalformedData(t *testing.T) {
	app := testApp(t)

	out := run(t, app, "instance", "get-or-create", "--owner", "owner-1", "--template", "dragon_lair")
	var inst store.Instance
	if err := json.Unmarshal([]byte(out), &inst); err != nil {
		t.Fatalf("decode instance: %v", err)
	}

	root := NewRoot(app)
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"append", "--instance", inst.ID, "--type", "flag.set", "--data", "no-equals-sign"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for malformed data pair")
	}
}

func TestSyncRequiresFeedURL(t *testing.T) {
	app := testApp(t)

	out := run(t, app, "instance", "get-or-create", "--owner", "owner-1", "--template", "dragon_lair")
	var inst store.Instance
	if err := json.Unmarshal([]byte(out), &inst); err != nil {
		t.Fatalf("decode instance: %v", err)
	}

	root := NewRoot(app)
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"sync", "--instance", inst.ID})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error without SAGALOG_FEED_URL")
	}
}
