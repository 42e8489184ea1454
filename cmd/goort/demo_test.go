package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Swind/goo-runtime/config"
	"github.com/Swind/goo-runtime/core"
)

func newTestEnv(t *testing.T, reg prom.Registerer) (*env, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	e, err := newEnv(config.Default(), core.NewNoOpLogger(), reg, &out)
	if err != nil {
		t.Fatalf("newEnv() error = %v", err)
	}
	return e, &out
}

func TestDemos(t *testing.T) {
	tests := []struct {
		name string
		want []string
	}{
		{"pubsub", []string{"even subscriber received 0 2 4 6 8", "odd subscriber received 1 3 5 7 9"}},
		{"pushpull", []string{"pushed 100, pulled 100"}},
		{"reqrep", []string{"Reply to: Request 1", "Reply to: Request 3"}},
		{"broadcast", []string{"receiver 0 got hello", "receiver 2 got hello"}},
		{"supervise", []string{"store: state=completed restarts=2"}},
		{"parallel-for", []string{"sum of squares below 100000 = 333328333350000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, out := newTestEnv(t, nil)

			if err := runDemo(context.Background(), e, tt.name); err != nil {
				t.Fatalf("runDemo(%s) error = %v", tt.name, err)
			}

			for _, want := range tt.want {
				if !strings.Contains(out.String(), want) {
					t.Errorf("output missing %q:\n%s", want, out.String())
				}
			}
		})
	}
}

func TestRunDemo_Unknown(t *testing.T) {
	e, _ := newTestEnv(t, nil)
	if err := runDemo(context.Background(), e, "teleport"); err == nil {
		t.Fatal("runDemo() with an unknown name succeeded")
	}
}

func TestDemo_RecordsMetrics(t *testing.T) {
	reg := prom.NewRegistry()
	e, _ := newTestEnv(t, reg)

	if err := runDemo(context.Background(), e, "supervise"); err != nil {
		t.Fatalf("runDemo() error = %v", err)
	}

	// store and cache both restart under Rest-For-One.
	if n := testutil.CollectAndCount(reg, "goo_supervisor_restart_total"); n != 2 {
		t.Errorf("restart series = %d, want 2", n)
	}
	if n := testutil.CollectAndCount(reg, "goo_task_fault_total"); n == 0 {
		t.Error("no task fault series recorded")
	}
}

func TestDemoCommand_WithConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goo.toml")
	data := "[pool]\nworkers = 2\n\n[log]\nlevel = \"error\"\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"demo", "broadcast", "--config", path})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "receiver 1 got hello") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}
