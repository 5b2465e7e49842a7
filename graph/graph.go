package graph

import (
	"fmt"

	"go-daw/debug"
	"go-daw/transport"
)

// CycleError is returned when a connection would make the graph cyclic.
// The graph is left untouched.
type CycleError struct {
	Src, Dst NodeID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph: connecting %d -> %d would create a cycle", e.Src, e.Dst)
}

// PortError is returned for an out-of-range port index or unknown node.
type PortError struct {
	Node NodeID
	Port int
	Kind string // "input", "output", "node"
}

func (e *PortError) Error() string {
	if e.Kind == "node" {
		return fmt.Sprintf("graph: no such node %d", e.Node)
	}
	return fmt.Sprintf("graph: node %d has no %s port %d", e.Node, e.Kind, e.Port)
}

// Fault reports a node whose processing failed for one block. The node's
// output was replaced by silence; the graph keeps running.
type Fault struct {
	Node NodeID
	Err  error
}

// edge connects an output port to an input port.
type edge struct {
	src     NodeID
	srcPort int
	dst     NodeID
	dstPort int
}

// Graph is a DAG of audio nodes executed in dependency order once per
// block. All mutation happens between blocks (the engine applies drained
// commands before processing); the topological order is computed once per
// mutation and cached.
type Graph struct {
	nodes  map[NodeID]Node
	edges  []edge
	nextID NodeID
	output NodeID // node whose port 0 is the graph's result
	hasOut bool

	// cached schedule + buffers, rebuilt after any mutation
	order   []NodeID
	buffers map[NodeID][][]float32
	frames  int
	dirty   bool

	sampleRate int
	faults     []Fault
	silent     []float32
}

// New creates an empty graph sized for the given block length.
func New(sampleRate, blockFrames int) *Graph {
	if blockFrames <= 0 {
		blockFrames = DefaultBlockFrames
	}
	return &Graph{
		nodes:      make(map[NodeID]Node),
		buffers:    make(map[NodeID][][]float32),
		frames:     blockFrames,
		sampleRate: sampleRate,
		dirty:      true,
	}
}

// AddNode inserts a node and returns its id.
func (g *Graph) AddNode(n Node) NodeID {
	id := g.nextID
	g.nextID++
	g.nodes[id] = n

	bufs := make([][]float32, n.NumOutputs())
	for i := range bufs {
		bufs[i] = make([]float32, g.frames*Channels)
	}
	g.buffers[id] = bufs
	g.dirty = true
	return id
}

// RemoveNode detaches all of the node's edges, then removes it.
func (g *Graph) RemoveNode(id NodeID) error {
	if _, ok := g.nodes[id]; !ok {
		return &PortError{Node: id, Kind: "node"}
	}
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.src != id && e.dst != id {
			kept = append(kept, e)
		}
	}
	g.edges = kept
	delete(g.nodes, id)
	delete(g.buffers, id)
	if g.hasOut && g.output == id {
		g.hasOut = false
	}
	g.dirty = true
	return nil
}

// Node returns the node for an id, or nil.
func (g *Graph) Node(id NodeID) Node { return g.nodes[id] }

// NumNodes returns the node count.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// SetOutput designates the node whose output port 0 is the graph result
// (normally the master mix bus).
func (g *Graph) SetOutput(id NodeID) error {
	if _, ok := g.nodes[id]; !ok {
		return &PortError{Node: id, Kind: "node"}
	}
	g.output = id
	g.hasOut = true
	return nil
}

// Connect wires src's output port to dst's input port. Rejects unknown
// nodes, out-of-range ports, and edges that would create a cycle; on any
// rejection the graph is unchanged.
func (g *Graph) Connect(src NodeID, srcPort int, dst NodeID, dstPort int) error {
	sn, ok := g.nodes[src]
	if !ok {
		return &PortError{Node: src, Kind: "node"}
	}
	dn, ok := g.nodes[dst]
	if !ok {
		return &PortError{Node: dst, Kind: "node"}
	}
	if srcPort < 0 || srcPort >= sn.NumOutputs() {
		return &PortError{Node: src, Port: srcPort, Kind: "output"}
	}
	if dstPort < 0 || dstPort >= dn.NumInputs() {
		return &PortError{Node: dst, Port: dstPort, Kind: "input"}
	}
	if src == dst || g.reaches(dst, src) {
		return &CycleError{Src: src, Dst: dst}
	}
	g.edges = append(g.edges, edge{src: src, srcPort: srcPort, dst: dst, dstPort: dstPort})
	g.dirty = true
	return nil
}

// Disconnect removes a single edge if present.
func (g *Graph) Disconnect(src NodeID, srcPort int, dst NodeID, dstPort int) {
	for i, e := range g.edges {
		if e.src == src && e.srcPort == srcPort && e.dst == dst && e.dstPort == dstPort {
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			g.dirty = true
			return
		}
	}
}

// reaches reports whether a directed path from -> to exists.
func (g *Graph) reaches(from, to NodeID) bool {
	if from == to {
		return true
	}
	seen := map[NodeID]bool{from: true}
	stack := []NodeID{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.edges {
			if e.src != n || seen[e.dst] {
				continue
			}
			if e.dst == to {
				return true
			}
			seen[e.dst] = true
			stack = append(stack, e.dst)
		}
	}
	return false
}

// schedule rebuilds the cached topological order (Kahn's algorithm).
// Connect guarantees acyclicity, so every node is always emitted.
func (g *Graph) schedule() {
	indegree := make(map[NodeID]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, e := range g.edges {
		indegree[e.dst]++
	}

	ready := make([]NodeID, 0, len(g.nodes))
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	g.order = g.order[:0]
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		g.order = append(g.order, n)
		for _, e := range g.edges {
			if e.src != n {
				continue
			}
			indegree[e.dst]--
			if indegree[e.dst] == 0 {
				ready = append(ready, e.dst)
			}
		}
	}
	g.dirty = false
	debug.Log("graph", "schedule rebuilt: %d nodes, %d edges", len(g.order), len(g.edges))
}

// Order returns the cached execution order (rebuilding it if stale).
func (g *Graph) Order() []NodeID {
	if g.dirty {
		g.schedule()
	}
	return g.order
}

// OutputBuffer returns a node's output-port buffer. Valid until the next
// mutation or block.
func (g *Graph) OutputBuffer(id NodeID, port int) []float32 {
	bufs := g.buffers[id]
	if port < 0 || port >= len(bufs) {
		return nil
	}
	return bufs[port]
}

// ProcessBlock executes every node exactly once in dependency order and
// returns the designated output node's buffer (nil when no output node is
// set). notes maps node ids to this block's timed note events. A node that
// errors or panics is silenced for the block and reported as a Fault;
// faults are collected, never propagated.
func (g *Graph) ProcessBlock(frameCount int, tinfo transport.Info, notes map[NodeID][]NoteEvent, params map[NodeID][]ParamEvent) ([]float32, []Fault) {
	if frameCount > g.frames {
		frameCount = g.frames
	}
	if g.dirty {
		g.schedule()
	}
	g.faults = g.faults[:0]

	blk := Block{
		Frames:     frameCount,
		SampleRate: g.sampleRate,
		Transport:  tinfo,
	}

	for _, id := range g.order {
		n := g.nodes[id]

		// Gather input buffers. Multiple edges landing on one input port are
		// not summed here; the mix bus exposes one port per source instead.
		blk.In = blk.In[:0]
		for port := 0; port < n.NumInputs(); port++ {
			blk.In = append(blk.In, g.inputFor(id, port, frameCount))
		}

		blk.Out = g.buffers[id]
		for _, out := range blk.Out {
			Silence(out[:frameCount*Channels])
		}
		blk.Notes = notes[id]
		blk.Params = params[id]

		if err := g.processNode(id, n, &blk); err != nil {
			for _, out := range blk.Out {
				Silence(out[:frameCount*Channels])
			}
			g.faults = append(g.faults, Fault{Node: id, Err: err})
		}
	}

	var master []float32
	if g.hasOut {
		if bufs := g.buffers[g.output]; len(bufs) > 0 {
			master = bufs[0][:frameCount*Channels]
		}
	}
	return master, g.faults
}

// inputFor finds the buffer feeding an input port, or a silent one.
func (g *Graph) inputFor(id NodeID, port int, frameCount int) []float32 {
	for _, e := range g.edges {
		if e.dst == id && e.dstPort == port {
			return g.OutputBuffer(e.src, e.srcPort)[:frameCount*Channels]
		}
	}
	if g.silent == nil || len(g.silent) < frameCount*Channels {
		g.silent = make([]float32, g.frames*Channels)
	}
	return g.silent[:frameCount*Channels]
}

// processNode runs one node, converting panics into block-local faults so
// a misbehaving node can never take down the audio thread.
func (g *Graph) processNode(id NodeID, n Node, blk *Block) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("graph: node %d panicked: %v", id, r)
		}
	}()
	return n.Process(blk)
}
