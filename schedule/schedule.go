// Package schedule turns a reduction tree into one rank's
// deadlock-free communication schedule.
//
// A schedule groups the rank's tree nodes into levels,
// which are processed leaves first on the way up and root
// first on the way down. Within a level, all data
// exchanged with one partner rank travels in a single
// message, so every node is given a slot offset such that
// each message covers a contiguous run of slots.
package schedule

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/unixpickle/qlt/tree"
)

// ErrInconsistent is returned by the self checks when a
// schedule violates one of its invariants.
var ErrInconsistent = errors.New("inconsistent schedule")

// A Node is a tree node known to this rank: either one it
// owns, or a remote node it must exchange data with.
type Node struct {
	Rank int

	// ID is the cell index of a leaf, or the unique id of
	// an internal node.
	ID int

	// Level is the node's level in the global tree.
	Level int

	// Parent and Kids are indices into Schedule.Nodes,
	// or -1.
	// Remote nodes have no kids, and a remote node that is
	// the parent of owned nodes lists only those.
	Parent int
	Kids   [2]int
	NKids  int

	// Offset is the node's slot in the data buffers, or
	// -1 if the node never holds data on this rank.
	Offset int
}

// A Message describes one point-to-point message: Count
// consecutive slots starting at Offset, exchanged with
// Rank.
//
// Every node in a message has the same child level and
// parent level on the edge it crosses. Both ends of the
// edge derive the same pair, so the pair identifies the
// message together with the rank.
type Message struct {
	Rank        int
	Offset      int
	Count       int
	ChildLevel  int
	ParentLevel int
}

// Key combines the level pair into one integer that is
// unique among the messages of a tree with the given
// depth.
func (m Message) Key(depth int) int {
	return m.ChildLevel*depth + m.ParentLevel
}

// A Level is a set of owned nodes whose inputs all come
// from lower levels.
type Level struct {
	// Level is the global tree level.
	Level int

	// Nodes are indices of owned nodes at this level.
	Nodes []int

	// Up describes messages between this level's nodes
	// and their parents on other ranks.
	Up []Message

	// Down describes messages between this level's nodes
	// and their children on other ranks.
	Down []Message
}

// A Schedule is one rank's view of a reduction tree.
type Schedule struct {
	Rank   int
	NCells int

	// Depth is the depth of the global tree.
	Depth int

	Nodes  []Node
	Levels []Level

	// NSlots is the number of data slots the rank needs.
	NSlots int
}

// Build computes the schedule for a rank.
//
// A rank that owns no cells gets an empty schedule.
func Build(rank int, t *tree.Tree) (*Schedule, error) {
	if rank < 0 {
		return nil, errors.Errorf("invalid rank: %d", rank)
	}
	b := &builder{
		tree:     t,
		rank:     rank,
		sched:    &Schedule{Rank: rank, NCells: t.NCells, Depth: t.Depth},
		reserved: make([]int, len(t.Vertices)),
		levels:   make([][]int, t.Depth),
	}
	for i := range b.reserved {
		b.reserved[i] = -1
	}
	b.collect(t.Root())
	for level, nodes := range b.levels {
		if len(nodes) > 0 {
			b.sched.Levels = append(b.sched.Levels, Level{Level: level, Nodes: nodes})
		}
	}
	b.sched.assignOffsets()
	return b.sched, nil
}

type builder struct {
	tree  *tree.Tree
	rank  int
	sched *Schedule

	// reserved maps tree vertices to local nodes.
	reserved []int
	levels   [][]int
}

// collect walks the tree in post-order, creating local
// nodes for owned vertices and for vertices that owned
// nodes communicate with. It reports whether v is owned,
// in which case its parent needs a local node.
func (b *builder) collect(v int) bool {
	vertex := &b.tree.Vertices[v]
	needNode := false
	for i := 0; i < vertex.NKids; i++ {
		if b.collect(vertex.Kids[i]) {
			needNode = true
		}
	}
	owned := vertex.Rank == b.rank
	if !owned && !needNode {
		return false
	}

	idx := b.newNode(v)
	if !owned {
		// Record this remote node as the parent of the
		// owned kids that send to it.
		n := &b.sched.Nodes[idx]
		for i := 0; i < vertex.NKids; i++ {
			kid := vertex.Kids[i]
			if b.reserved[kid] != -1 && b.tree.Vertices[kid].Rank == b.rank {
				n.Kids[n.NKids] = b.reserved[kid]
				n.NKids++
				b.sched.Nodes[b.reserved[kid]].Parent = idx
			}
		}
		return false
	}

	b.levels[vertex.Level] = append(b.levels[vertex.Level], idx)
	b.sched.Nodes[idx].NKids = vertex.NKids
	for i := 0; i < vertex.NKids; i++ {
		kid := vertex.Kids[i]
		kidIdx := b.reserved[kid]
		if kidIdx == -1 {
			// A remote kid we only receive from.
			kidIdx = b.newNode(kid)
		}
		b.sched.Nodes[kidIdx].Parent = idx
		b.sched.Nodes[idx].Kids[i] = kidIdx
	}
	return true
}

func (b *builder) newNode(v int) int {
	vertex := &b.tree.Vertices[v]
	if b.reserved[v] != -1 {
		panic("tree vertex visited twice")
	}
	b.sched.Nodes = append(b.sched.Nodes, Node{
		Rank:   vertex.Rank,
		ID:     vertex.ID,
		Level:  vertex.Level,
		Parent: -1,
		Kids:   [2]int{-1, -1},
		Offset: -1,
	})
	idx := len(b.sched.Nodes) - 1
	b.reserved[v] = idx
	return idx
}

type edge struct {
	rank        int
	childLevel  int
	parentLevel int
	node        int
}

// assignOffsets gives every node that holds data a slot,
// level by level, and builds the message descriptors.
func (s *Schedule) assignOffsets() {
	for li := range s.Levels {
		lvl := &s.Levels[li]
		var up, down []edge
		for _, idx := range lvl.Nodes {
			n := &s.Nodes[idx]
			if n.Parent == -1 || s.Nodes[n.Parent].Rank == s.Rank {
				up = append(up, edge{rank: -1, node: idx})
			} else {
				p := &s.Nodes[n.Parent]
				up = append(up, edge{rank: p.Rank, childLevel: n.Level,
					parentLevel: p.Level, node: idx})
			}
			for k := 0; k < n.NKids; k++ {
				kid := &s.Nodes[n.Kids[k]]
				if kid.Rank == s.Rank {
					down = append(down, edge{rank: -1, node: n.Kids[k]})
				} else {
					down = append(down, edge{rank: kid.Rank, childLevel: kid.Level,
						parentLevel: n.Level, node: n.Kids[k]})
				}
			}
		}
		lvl.Up = s.assignEdges(up)
		lvl.Down = s.assignEdges(down)
	}
}

// assignEdges sorts edges so that local ones come first
// and remote ones are grouped by rank and level pair,
// keeping the traversal order within each group. Local
// nodes receive an offset if they have none yet; remote
// groups receive fresh consecutive offsets and become
// messages.
func (s *Schedule) assignEdges(edges []edge) []Message {
	sort.SliceStable(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if a.childLevel != b.childLevel {
			return a.childLevel < b.childLevel
		}
		return a.parentLevel < b.parentLevel
	})
	var msgs []Message
	for _, e := range edges {
		n := &s.Nodes[e.node]
		if e.rank == -1 {
			if n.Offset == -1 {
				n.Offset = s.NSlots
				s.NSlots++
			}
			continue
		}
		if n.Offset != -1 {
			panic("remote slot assigned twice")
		}
		last := len(msgs) - 1
		if last < 0 || msgs[last].Rank != e.rank || msgs[last].ChildLevel != e.childLevel ||
			msgs[last].ParentLevel != e.parentLevel {
			msgs = append(msgs, Message{
				Rank:        e.rank,
				Offset:      s.NSlots,
				ChildLevel:  e.childLevel,
				ParentLevel: e.parentLevel,
			})
			last++
		}
		msgs[last].Count++
		n.Offset = s.NSlots
		s.NSlots++
	}
	return msgs
}

// Leaves returns the indices of the owned leaves, ordered
// by offset.
func (s *Schedule) Leaves() []int {
	if len(s.Levels) == 0 || s.Levels[0].Level != 0 {
		return nil
	}
	res := make([]int, len(s.Levels[0].Nodes))
	for _, idx := range s.Levels[0].Nodes {
		res[s.Nodes[idx].Offset] = idx
	}
	return res
}

// OwnedCells returns the cell index of every owned leaf,
// indexed by the leaf's offset.
func (s *Schedule) OwnedCells() []int {
	leaves := s.Leaves()
	res := make([]int, len(leaves))
	for i, idx := range leaves {
		res[i] = s.Nodes[idx].ID
	}
	return res
}

// Root returns the index of the tree's root if this rank
// owns it, or -1.
func (s *Schedule) Root() int {
	if len(s.Levels) == 0 {
		return -1
	}
	last := s.Levels[len(s.Levels)-1]
	if len(last.Nodes) == 1 && s.Nodes[last.Nodes[0]].Parent == -1 &&
		s.Nodes[last.Nodes[0]].Level == s.Depth-1 {
		return last.Nodes[0]
	}
	return -1
}

// NumMessages counts the messages sent by one pass in a
// single direction.
func (s *Schedule) NumMessages() int {
	var n int
	for _, lvl := range s.Levels {
		n += len(lvl.Up)
	}
	return n
}

// Check verifies that every slot in [0, NSlots) belongs
// to exactly one node.
func (s *Schedule) Check() error {
	counts := make([]int, s.NSlots)
	count := func(idx int) error {
		off := s.Nodes[idx].Offset
		if off < 0 || off >= s.NSlots {
			return errors.Wrapf(ErrInconsistent, "node %d has offset %d outside [0, %d)",
				s.Nodes[idx].ID, off, s.NSlots)
		}
		counts[off]++
		return nil
	}
	for _, lvl := range s.Levels {
		for _, idx := range lvl.Nodes {
			if err := count(idx); err != nil {
				return err
			}
			n := &s.Nodes[idx]
			for k := 0; k < n.NKids; k++ {
				if s.Nodes[n.Kids[k]].Rank != s.Rank {
					if err := count(n.Kids[k]); err != nil {
						return err
					}
				}
			}
		}
	}
	for off, c := range counts {
		if c != 1 {
			return errors.Wrapf(ErrInconsistent, "slot %d used %d times", off, c)
		}
	}
	return nil
}

// CheckLeaves verifies the rank-local leaf invariants: the
// first level holds exactly the owned leaves, and their
// offsets come before all others.
func (s *Schedule) CheckLeaves() error {
	if len(s.Levels) == 0 {
		return nil
	}
	if s.Levels[0].Level != 0 {
		return errors.Wrap(ErrInconsistent, "first level does not hold leaves")
	}
	nleaves := len(s.Levels[0].Nodes)
	for _, idx := range s.Levels[0].Nodes {
		n := &s.Nodes[idx]
		if n.NKids != 0 {
			return errors.Wrapf(ErrInconsistent, "leaf level holds internal node %d", n.ID)
		}
		if n.Offset >= nleaves {
			return errors.Wrapf(ErrInconsistent, "leaf %d has offset %d but there are %d leaves",
				n.ID, n.Offset, nleaves)
		}
		if n.ID < 0 || n.ID >= s.NCells {
			return errors.Wrapf(ErrInconsistent, "leaf id %d out of range", n.ID)
		}
	}
	return nil
}

// String summarizes the schedule level by level.
func (s *Schedule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rank %d: %d levels, %d slots\n", s.Rank, len(s.Levels), s.NSlots)
	for _, lvl := range s.Levels {
		fmt.Fprintf(&b, "  level %d: %d nodes", lvl.Level, len(lvl.Nodes))
		writeMessages(&b, "up", lvl.Up)
		writeMessages(&b, "down", lvl.Down)
		b.WriteString("\n")
	}
	return b.String()
}

func writeMessages(b *strings.Builder, name string, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	fmt.Fprintf(b, " | %s", name)
	for _, m := range msgs {
		fmt.Fprintf(b, " r%d[%d+%d]", m.Rank, m.Offset, m.Count)
	}
}
