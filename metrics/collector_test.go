package metrics_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jacentio/tessera/backend/memory"
	"github.com/jacentio/tessera/batch"
	"github.com/jacentio/tessera/metrics"
)

func TestCollector_CommittedBatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	engine := batch.NewEngine(memory.New(), batch.WithObserver(c))

	parent := batch.NewInsert("parents", map[string]any{"name": "p"})
	child := batch.NewInsert("children", nil)
	child.Bind("parent_id", parent, "id")
	child.Fill("parent_id", "parent_id")

	if res := engine.Submit(context.Background(), child); !res.Committed() {
		t.Fatalf("expected committed, got %s: %v", res.Outcome, res.Err)
	}

	expected := `
# HELP tessera_batches_total Total number of batches by outcome
# TYPE tessera_batches_total counter
tessera_batches_total{outcome="committed"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "tessera_batches_total"); err != nil {
		t.Error(err)
	}

	expected = `
# HELP tessera_commands_executed_total Total number of executed commands
# TYPE tessera_commands_executed_total counter
tessera_commands_executed_total{kind="insert",status="ok"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "tessera_commands_executed_total"); err != nil {
		t.Error(err)
	}
}

func TestCollector_FailuresAndAborts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	engine := batch.NewEngine(memory.New(), batch.WithObserver(c))

	// Update of a missing row rolls back.
	res := engine.Submit(context.Background(), batch.NewUpdate("parents", map[string]any{"id": 1}, map[string]any{"name": "x"}))
	if res.Outcome != batch.OutcomeRolledBack {
		t.Fatalf("expected rolled_back, got %s", res.Outcome)
	}

	// A two-node cycle aborts before any command runs.
	a := batch.NewInsert("a", nil)
	b := batch.NewInsert("b", nil)
	a.Bind("b_id", b, "id")
	b.Bind("a_id", a, "id")
	res = engine.Submit(context.Background(), a)
	if res.Outcome != batch.OutcomeAborted {
		t.Fatalf("expected aborted, got %s", res.Outcome)
	}

	if got := testutil.ToFloat64(c.BatchesTotal(batch.OutcomeRolledBack)); got != 1 {
		t.Errorf("expected 1 rolled back batch, got %v", got)
	}
	if got := testutil.ToFloat64(c.BatchesTotal(batch.OutcomeAborted)); got != 1 {
		t.Errorf("expected 1 aborted batch, got %v", got)
	}

	expected := `
# HELP tessera_commands_executed_total Total number of executed commands
# TYPE tessera_commands_executed_total counter
tessera_commands_executed_total{kind="update",status="error"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "tessera_commands_executed_total"); err != nil {
		t.Error(err)
	}
}

func TestNewCollector_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	metrics.NewCollector(reg)
}
