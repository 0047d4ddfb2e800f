package simulator

import (
	"math"
	"sync"
)

// A Node represents a machine on a virtual network.
type Node struct {
	unused int
}

// NewNode creates a new, unique Node.
func NewNode() *Node {
	return &Node{}
}

// NewNodes creates n unique Nodes.
func NewNodes(n int) []*Node {
	res := make([]*Node, n)
	for i := range res {
		res[i] = NewNode()
	}
	return res
}

// Port creates a new Port connected to the Node.
func (n *Node) Port(loop *EventLoop) *Port {
	return &Port{Node: n, Incoming: loop.Stream()}
}

// A Port identifies a point of communication on a Node.
// Data is sent from Ports and received on Ports.
type Port struct {
	// The Node to which the Port is attached.
	Node *Node

	// A stream of *Message objects.
	Incoming *EventStream
}

// Recv receives the next message.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// A Message is a chunk of data sent between nodes over a
// network.
type Message struct {
	Source  *Port
	Dest    *Port
	Message interface{}

	// Size is the number of bytes on the wire.
	Size float64
}

// A Network represents an abstract way of communicating
// between nodes.
type Network interface {
	// Send message objects from one node to another.
	// The message will arrive on the receiving port's
	// incoming EventStream.
	//
	// This is a non-blocking operation.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork assigns every message an independent
// uniformly random delay, so messages between a pair of
// nodes may be reordered.
type RandomNetwork struct {
	// MaxLatency bounds the delay. If it is 0, it is
	// treated as 1.
	MaxLatency float64
}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	maxLatency := r.MaxLatency
	if maxLatency == 0 {
		maxLatency = 1
	}
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, h.Float64()*maxLatency)
	}
}

// A LinkNetwork models a dedicated link between every
// ordered pair of nodes.
// Each link transmits one message at a time at a fixed
// bandwidth and delivers its messages in FIFO order,
// while different links are independent of each other.
type LinkNetwork struct {
	// Latency is added to every message.
	Latency float64

	// MaxJitter bounds an extra random delay per message.
	MaxJitter float64

	// Rate is the link bandwidth in bytes per unit of
	// virtual time.
	Rate float64

	lock  sync.Mutex
	links map[link]*linkState
}

type link struct {
	src *Node
	dst *Node
}

type linkState struct {
	// idle is when the link finishes its last
	// transmission.
	idle float64

	// last is the arrival time of the last message.
	last float64
}

// NewLinkNetwork creates a LinkNetwork.
func NewLinkNetwork(latency, maxJitter, rate float64) *LinkNetwork {
	if rate <= 0 {
		panic("link rate must be positive")
	}
	return &LinkNetwork{
		Latency:   latency,
		MaxJitter: maxJitter,
		Rate:      rate,
		links:     map[link]*linkState{},
	}
}

// Send queues the messages on their links.
func (l *LinkNetwork) Send(h *Handle, msgs ...*Message) {
	l.lock.Lock()
	defer l.lock.Unlock()

	now := h.Time()
	for _, msg := range msgs {
		key := link{src: msg.Source.Node, dst: msg.Dest.Node}
		state, ok := l.links[key]
		if !ok {
			state = &linkState{idle: math.Inf(-1), last: math.Inf(-1)}
			l.links[key] = state
		}

		start := math.Max(now, state.idle)
		state.idle = start + msg.Size/l.Rate
		arrival := state.idle + l.Latency
		if l.MaxJitter > 0 {
			arrival += h.Float64() * l.MaxJitter
		}

		// Never overtake or tie with the previous message.
		if arrival <= state.last {
			arrival = math.Nextafter(state.last, math.Inf(1))
		}
		state.last = arrival
		h.ScheduleAt(msg.Dest.Incoming, msg, arrival)
	}
}
