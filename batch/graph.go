package batch

import (
	"container/heap"
	"fmt"
	"sort"
)

type edgeIndex struct {
	from int
	to   int
}

// Edge is a producer -> consumer ordering constraint.
type Edge struct {
	From *Command
	To   *Command
	Key  string
}

// Plan is a validated, ordered batch. Commands are addressed by their arena
// index, which is their registration order.
type Plan struct {
	nodes []*Command
	index map[*Command]int

	edges    []edgeIndex
	keys     []string // parallel to edges
	outgoing [][]int
	indeg    []int

	order []int
}

// Schedule collects roots and every producer they reach, links required
// bindings as edges, and orders the result topologically.
//
// Roots are indexed first, in the given order; producers that are not roots
// follow in discovery order. Commands with no ordering constraint between
// them run in index order.
func Schedule(roots []*Command) (*Plan, error) {
	p := &Plan{index: make(map[*Command]int)}
	for _, c := range roots {
		if c == nil {
			return nil, fmt.Errorf("tessera: nil command in batch")
		}
		p.add(c)
	}
	if len(p.nodes) == 0 {
		return nil, ErrEmptyBatch
	}

	for i := 0; i < len(p.nodes); i++ {
		for _, b := range p.nodes[i].bindings {
			if b.producer == nil {
				return nil, fmt.Errorf("tessera: %s binds %q to a nil producer", p.label(i), b.waitKey)
			}
			p.add(b.producer)
		}
	}

	if err := p.checkWaits(); err != nil {
		return nil, err
	}
	p.link()

	p.order = p.topoOrder()
	if len(p.order) != len(p.nodes) {
		return nil, p.cycleError()
	}
	return p, nil
}

func (p *Plan) add(c *Command) {
	if _, ok := p.index[c]; ok {
		return
	}
	p.index[c] = len(p.nodes)
	p.nodes = append(p.nodes, c)
}

func (p *Plan) label(i int) string {
	c := p.nodes[i]
	if c.name != "" {
		return c.name
	}
	return fmt.Sprintf("%s#%d", c.Label(), i)
}

// checkWaits rejects required waits that nothing will ever satisfy.
func (p *Plan) checkWaits() error {
	for i, c := range p.nodes {
		for _, w := range c.waits {
			if !w.Required || c.store.Has(w.Key) {
				continue
			}
			bound := false
			for _, b := range c.bindings {
				if b.waitKey == w.Key {
					bound = true
					break
				}
			}
			if !bound {
				return fmt.Errorf("%w: %s waits on %q", ErrUnsatisfiedWait, p.label(i), w.Key)
			}
		}
	}
	return nil
}

// link builds edges for required bindings. Optional bindings do not order.
func (p *Plan) link() {
	p.outgoing = make([][]int, len(p.nodes))
	p.indeg = make([]int, len(p.nodes))
	seen := make(map[edgeIndex]struct{})

	for to, c := range p.nodes {
		for _, b := range c.bindings {
			if !c.required(b.waitKey) {
				continue
			}
			e := edgeIndex{from: p.index[b.producer], to: to}
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			p.edges = append(p.edges, e)
			p.keys = append(p.keys, b.waitKey)
			p.outgoing[e.from] = append(p.outgoing[e.from], e.to)
			p.indeg[e.to]++
		}
	}
	for i := range p.outgoing {
		sort.Ints(p.outgoing[i])
	}
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder is Kahn's algorithm with a min-heap ready queue, so the lowest
// ready index always runs next.
func (p *Plan) topoOrder() []int {
	indeg := make([]int, len(p.indeg))
	copy(indeg, p.indeg)

	ready := &intMinHeap{}
	heap.Init(ready)
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range p.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// cycleError reports the stuck commands and a shortest cycle among them.
func (p *Plan) cycleError() error {
	placed := make([]bool, len(p.nodes))
	for _, i := range p.order {
		placed[i] = true
	}
	var stuck []int
	for i := range p.nodes {
		if !placed[i] {
			stuck = append(stuck, i)
		}
	}

	err := &CyclicDependencyError{}
	for _, i := range stuck {
		err.Stuck = append(err.Stuck, p.label(i))
	}
	for _, i := range p.shortestCycle(stuck, placed) {
		err.Cycle = append(err.Cycle, p.label(i))
	}
	return err
}

// shortestCycle runs a BFS from each stuck node back to itself and keeps the
// shortest cycle found; ties go to the lowest starting index.
func (p *Plan) shortestCycle(stuck []int, placed []bool) []int {
	var best []int
	for _, start := range stuck {
		parent := make(map[int]int)
		queue := []int{start}
		found := false
		for len(queue) > 0 && !found {
			u := queue[0]
			queue = queue[1:]
			for _, v := range p.outgoing[u] {
				if placed[v] {
					continue
				}
				if v == start {
					parent[start] = u
					found = true
					break
				}
				if _, seen := parent[v]; seen {
					continue
				}
				parent[v] = u
				queue = append(queue, v)
			}
		}
		if !found {
			continue
		}

		// Walk back from start's predecessor to start, then reverse.
		path := []int{start}
		for cur := parent[start]; cur != start; cur = parent[cur] {
			path = append(path, cur)
		}
		path = append(path, start)
		for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
			path[l], path[r] = path[r], path[l]
		}

		if best == nil || len(path) < len(best) {
			best = path
		}
	}
	return best
}

// Order returns the commands in execution order.
func (p *Plan) Order() []*Command {
	out := make([]*Command, 0, len(p.order))
	for _, i := range p.order {
		out = append(out, p.nodes[i])
	}
	return out
}

// Commands returns the commands in registration (index) order.
func (p *Plan) Commands() []*Command {
	return append([]*Command(nil), p.nodes...)
}

// Edges returns the ordering edges, sorted by producer then consumer index.
func (p *Plan) Edges() []Edge {
	idx := make([]int, len(p.edges))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		ea, eb := p.edges[idx[a]], p.edges[idx[b]]
		if ea.from != eb.from {
			return ea.from < eb.from
		}
		return ea.to < eb.to
	})

	out := make([]Edge, 0, len(p.edges))
	for _, i := range idx {
		e := p.edges[i]
		out = append(out, Edge{From: p.nodes[e.from], To: p.nodes[e.to], Key: p.keys[i]})
	}
	return out
}

// Len returns the number of commands in the plan.
func (p *Plan) Len() int { return len(p.nodes) }

// wire subscribes every consumer to the produced keys it is bound to.
// Values already present are forwarded immediately.
func (p *Plan) wire() error {
	for _, c := range p.nodes {
		for _, b := range c.bindings {
			consumer, waitKey := c, b.waitKey
			err := b.producer.produced.subscribe(b.producerKey, func(v any) error {
				return consumer.store.Set(waitKey, v)
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
