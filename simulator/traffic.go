package simulator

import "sync"

// A TrafficMat is a dense matrix indexed by source node
// (row) and destination node (column).
type TrafficMat struct {
	numNodes int
	values   []float64
}

// NewTrafficMat creates an all-zero matrix.
func NewTrafficMat(numNodes int) *TrafficMat {
	return &TrafficMat{
		numNodes: numNodes,
		values:   make([]float64, numNodes*numNodes),
	}
}

// NumNodes returns the number of nodes.
func (t *TrafficMat) NumNodes() int {
	return t.numNodes
}

// Get an entry in the matrix.
func (t *TrafficMat) Get(src, dst int) float64 {
	return t.values[t.index(src, dst)]
}

// Set an entry in the matrix.
func (t *TrafficMat) Set(src, dst int, value float64) {
	t.values[t.index(src, dst)] = value
}

// Add adds to an entry in the matrix.
func (t *TrafficMat) Add(src, dst int, value float64) {
	t.values[t.index(src, dst)] += value
}

// SumDest sums a column of the matrix.
func (t *TrafficMat) SumDest(dst int) float64 {
	var sum float64
	for i := 0; i < t.numNodes; i++ {
		sum += t.Get(i, dst)
	}
	return sum
}

// SumSource sums a row of the matrix.
func (t *TrafficMat) SumSource(src int) float64 {
	var sum float64
	for i := 0; i < t.numNodes; i++ {
		sum += t.Get(src, i)
	}
	return sum
}

// Total sums every entry.
func (t *TrafficMat) Total() float64 {
	var sum float64
	for _, x := range t.values {
		sum += x
	}
	return sum
}

// Links counts the non-zero entries.
func (t *TrafficMat) Links() int {
	var n int
	for _, x := range t.values {
		if x != 0 {
			n++
		}
	}
	return n
}

// Copy creates a deep copy of the matrix.
func (t *TrafficMat) Copy() *TrafficMat {
	return &TrafficMat{
		numNodes: t.numNodes,
		values:   append([]float64{}, t.values...),
	}
}

func (t *TrafficMat) index(src, dst int) int {
	if src < 0 || dst < 0 || src >= t.numNodes || dst >= t.numNodes {
		panic("index out of bounds")
	}
	return src*t.numNodes + dst
}

// A MeteredNetwork wraps another Network and records how
// many messages and bytes pass between each pair of
// nodes.
type MeteredNetwork struct {
	Network Network

	lock     sync.Mutex
	indices  map[*Node]int
	messages *TrafficMat
	bytes    *TrafficMat
}

// NewMeteredNetwork creates a MeteredNetwork over the
// given nodes, which determine the matrix indices.
func NewMeteredNetwork(network Network, nodes []*Node) *MeteredNetwork {
	indices := make(map[*Node]int, len(nodes))
	for i, node := range nodes {
		indices[node] = i
	}
	return &MeteredNetwork{
		Network:  network,
		indices:  indices,
		messages: NewTrafficMat(len(nodes)),
		bytes:    NewTrafficMat(len(nodes)),
	}
}

// Send records the messages and forwards them.
func (m *MeteredNetwork) Send(h *Handle, msgs ...*Message) {
	m.lock.Lock()
	for _, msg := range msgs {
		src, ok1 := m.indices[msg.Source.Node]
		dst, ok2 := m.indices[msg.Dest.Node]
		if !ok1 || !ok2 {
			m.lock.Unlock()
			panic("message between unmetered nodes")
		}
		m.messages.Add(src, dst, 1)
		m.bytes.Add(src, dst, msg.Size)
	}
	m.lock.Unlock()
	m.Network.Send(h, msgs...)
}

// Messages returns a snapshot of the message counts.
func (m *MeteredNetwork) Messages() *TrafficMat {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.messages.Copy()
}

// Bytes returns a snapshot of the byte counts.
func (m *MeteredNetwork) Bytes() *TrafficMat {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.bytes.Copy()
}

// Reset zeroes all counters.
func (m *MeteredNetwork) Reset() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.messages = NewTrafficMat(m.messages.NumNodes())
	m.bytes = NewTrafficMat(m.bytes.NumNodes())
}
