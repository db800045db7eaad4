package batch_test

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/jacentio/tessera/batch"
)

func names(cmds []*batch.Command) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.Label())
	}
	return out
}

func named(table, name string) *batch.Command {
	return batch.NewInsert(table, nil, batch.WithName(name))
}

// --- Ordering ---

func TestSchedule_ProducerBeforeConsumer(t *testing.T) {
	p := named("parents", "P")
	c := named("children", "C")
	c.Bind("parent_id", p, "id")

	plan, err := batch.Schedule([]*batch.Command{c, p})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if got := names(plan.Order()); !reflect.DeepEqual(got, []string{"P", "C"}) {
		t.Errorf("expected [P C], got %v", got)
	}
}

func TestSchedule_StableRegistrationOrder(t *testing.T) {
	a := named("t", "A")
	b := named("t", "B")
	c := named("t", "C")

	plan, err := batch.Schedule([]*batch.Command{c, a, b})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if got := names(plan.Order()); !reflect.DeepEqual(got, []string{"C", "A", "B"}) {
		t.Errorf("independent commands must keep registration order, got %v", got)
	}
}

func TestSchedule_DiscoversProducers(t *testing.T) {
	grand := named("orgs", "G")
	parent := named("parents", "P")
	child := named("children", "C")
	parent.Bind("org_id", grand, "id")
	child.Bind("parent_id", parent, "id")

	plan, err := batch.Schedule([]*batch.Command{child})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if plan.Len() != 3 {
		t.Fatalf("expected transitive closure of 3 commands, got %d", plan.Len())
	}
	if got := names(plan.Commands()); !reflect.DeepEqual(got, []string{"C", "P", "G"}) {
		t.Errorf("expected discovery order [C P G], got %v", got)
	}
	if got := names(plan.Order()); !reflect.DeepEqual(got, []string{"G", "P", "C"}) {
		t.Errorf("expected execution order [G P C], got %v", got)
	}
}

func TestSchedule_DiamondTieBreak(t *testing.T) {
	root := named("t", "R")
	left := named("t", "L")
	right := named("t", "X")
	join := batch.NewComposite(batch.WithName("J"))
	left.Bind("r", root, "id")
	right.Bind("r", root, "id")
	join.Bind("l", left, "id")
	join.Bind("x", right, "id")

	plan, err := batch.Schedule([]*batch.Command{join, right, left, root})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if got := names(plan.Order()); !reflect.DeepEqual(got, []string{"R", "X", "L", "J"}) {
		t.Errorf("expected [R X L J], got %v", got)
	}
}

func TestSchedule_DuplicateBindingsCollapse(t *testing.T) {
	p := named("parents", "P")
	c := named("children", "C")
	c.Bind("parent_id", p, "id")
	c.Bind("parent_id", p, "id")
	c.Bind("parent_ref", p, "id")

	plan, err := batch.Schedule([]*batch.Command{c, p, c})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if plan.Len() != 2 {
		t.Errorf("expected duplicate roots to collapse, got %d commands", plan.Len())
	}
	if edges := plan.Edges(); len(edges) != 1 || edges[0].From != p || edges[0].To != c {
		t.Errorf("expected a single P -> C edge, got %v", edges)
	}
}

func TestSchedule_OptionalBindingCreatesNoEdge(t *testing.T) {
	p := named("parents", "P")
	c := named("children", "C")
	c.DeclareWait("tag", false)
	c.Bind("tag", p, "tag")

	plan, err := batch.Schedule([]*batch.Command{c, p})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if len(plan.Edges()) != 0 {
		t.Errorf("optional binding must not create an edge, got %v", plan.Edges())
	}
	if got := names(plan.Order()); !reflect.DeepEqual(got, []string{"C", "P"}) {
		t.Errorf("expected registration order [C P], got %v", got)
	}
}

func TestSchedule_OptionalCycleIsNotACycle(t *testing.T) {
	a := named("t", "A")
	b := named("t", "B")
	a.DeclareWait("b", false)
	a.Bind("b", b, "id")
	b.Bind("a", a, "id")

	plan, err := batch.Schedule([]*batch.Command{a, b})
	if err != nil {
		t.Fatalf("expected optional back-edge to be ignored, got %v", err)
	}
	if got := names(plan.Order()); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("expected [A B], got %v", got)
	}
}

// --- Validation ---

func TestSchedule_ThreeNodeCycle(t *testing.T) {
	a := named("t", "A")
	b := named("t", "B")
	c := named("t", "C")
	a.Bind("k", b, "id")
	b.Bind("k", c, "id")
	c.Bind("k", a, "id")

	_, err := batch.Schedule([]*batch.Command{a, b, c})
	if !errors.Is(err, batch.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	var cyc *batch.CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected *CyclicDependencyError, got %T", err)
	}
	if !reflect.DeepEqual(cyc.Stuck, []string{"A", "B", "C"}) {
		t.Errorf("expected all three stuck, got %v", cyc.Stuck)
	}
	// Edges run producer -> consumer: A -> C -> B -> A.
	if !reflect.DeepEqual(cyc.Cycle, []string{"A", "C", "B", "A"}) {
		t.Errorf("unexpected cycle witness: %v", cyc.Cycle)
	}
}

func TestSchedule_SelfBindingIsCycle(t *testing.T) {
	a := named("t", "A")
	a.Bind("k", a, "id")

	_, err := batch.Schedule([]*batch.Command{a})
	var cyc *batch.CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected *CyclicDependencyError, got %v", err)
	}
	if !reflect.DeepEqual(cyc.Cycle, []string{"A", "A"}) {
		t.Errorf("expected [A A], got %v", cyc.Cycle)
	}
}

func TestSchedule_ReportsShortestCycle(t *testing.T) {
	// Long cycle A -> B -> C -> D -> A plus short cycle C <-> D, and a
	// downstream consumer E that is stuck but not on any cycle.
	a, b, c, d, e := named("t", "A"), named("t", "B"), named("t", "C"), named("t", "D"), named("t", "E")
	b.Bind("k", a, "id")
	c.Bind("k", b, "id")
	d.Bind("k", c, "id")
	a.Bind("k", d, "id")
	c.Bind("k2", d, "id")
	e.Bind("k", a, "id")

	_, err := batch.Schedule([]*batch.Command{a, b, c, d, e})
	var cyc *batch.CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected *CyclicDependencyError, got %v", err)
	}
	if len(cyc.Stuck) != 5 {
		t.Errorf("expected 5 stuck commands, got %v", cyc.Stuck)
	}
	if !reflect.DeepEqual(cyc.Cycle, []string{"C", "D", "C"}) {
		t.Errorf("expected shortest cycle [C D C], got %v", cyc.Cycle)
	}
}

func TestSchedule_UnsatisfiedRequiredWait(t *testing.T) {
	c := named("children", "C")
	c.DeclareWait("parent_id", true)

	_, err := batch.Schedule([]*batch.Command{c})
	if !errors.Is(err, batch.ErrUnsatisfiedWait) {
		t.Errorf("expected ErrUnsatisfiedWait, got %v", err)
	}
}

func TestSchedule_PresetValueSatisfiesWait(t *testing.T) {
	c := named("children", "C")
	c.DeclareWait("parent_id", true)
	if err := c.Context().Set("parent_id", 5); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := batch.Schedule([]*batch.Command{c}); err != nil {
		t.Errorf("expected preset value to satisfy wait, got %v", err)
	}
}

func TestSchedule_EmptyAndNil(t *testing.T) {
	if _, err := batch.Schedule(nil); !errors.Is(err, batch.ErrEmptyBatch) {
		t.Errorf("expected ErrEmptyBatch, got %v", err)
	}
	if _, err := batch.Schedule([]*batch.Command{nil}); err == nil {
		t.Error("expected error for nil command")
	}
}

// --- Properties ---

// buildRandomDAG wires required bindings only from lower to higher creation
// index, so the graph is acyclic, then registers commands in a shuffled order.
func buildRandomDAG(rng *rand.Rand, n int) ([]*batch.Command, [][2]int) {
	cmds := make([]*batch.Command, n)
	for i := range cmds {
		cmds[i] = named("t", fmt.Sprintf("n%02d", i))
	}
	var deps [][2]int
	for j := 1; j < n; j++ {
		for i := 0; i < j; i++ {
			if rng.Intn(4) == 0 {
				cmds[j].Bind(fmt.Sprintf("k%d", i), cmds[i], "id")
				deps = append(deps, [2]int{i, j})
			}
		}
	}
	return cmds, deps
}

func TestSchedule_PropertyProducersPrecedeConsumers(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		cmds, deps := buildRandomDAG(rng, 12)

		roots := append([]*batch.Command(nil), cmds...)
		rng.Shuffle(len(roots), func(i, j int) { roots[i], roots[j] = roots[j], roots[i] })

		plan, err := batch.Schedule(roots)
		if err != nil {
			t.Fatalf("seed %d: Schedule failed: %v", seed, err)
		}
		pos := make(map[*batch.Command]int)
		for i, c := range plan.Order() {
			pos[c] = i
		}
		for _, d := range deps {
			if pos[cmds[d[0]]] >= pos[cmds[d[1]]] {
				t.Fatalf("seed %d: %s must run before %s", seed, cmds[d[0]].Label(), cmds[d[1]].Label())
			}
		}
	}
}

func TestSchedule_PropertyDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cmds, _ := buildRandomDAG(rng, 15)
	rng.Shuffle(len(cmds), func(i, j int) { cmds[i], cmds[j] = cmds[j], cmds[i] })

	first, err := batch.Schedule(cmds)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	want := names(first.Order())
	for i := 0; i < 20; i++ {
		plan, err := batch.Schedule(cmds)
		if err != nil {
			t.Fatalf("run %d: Schedule failed: %v", i, err)
		}
		if got := names(plan.Order()); !reflect.DeepEqual(got, want) {
			t.Fatalf("run %d: order changed: %v vs %v", i, got, want)
		}
	}
}
