package collcomm

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/qlt/simulator"
)

// Comms manages a set of connections between a bunch of
// nodes.
// During a run, each node has a local Comms object that
// represents its view of the world.
//
// Messages are matched by source, epoch, tag and stage,
// so they may arrive in any order. Every collective
// operation should begin with NewEpoch(), called the same
// number of times on every node, to keep consecutive
// operations from interfering.
type Comms struct {
	// Handle is the node's main Goroutine's handle on the
	// event loop.
	Handle *simulator.Handle

	// Port is the current node's port.
	Port *simulator.Port

	// Ports contains ports to all the nodes in the
	// network, including the current node.
	Ports []*simulator.Port

	// Network is the network connecting the nodes.
	Network simulator.Network

	// Session identifies the group of Comms created by
	// one SpawnComms call.
	Session uuid.UUID

	rank   int
	epoch  int
	nextID int

	unexpected []*Envelope
	recvs      []*Request
	sends      map[int]*Request
}

// SpawnComms creates Comms objects for every node in a
// network and calls f for each node in its own Goroutine.
func SpawnComms(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(c *Comms)) {
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	session := uuid.New()
	for i := range nodes {
		c := &Comms{
			Port:    ports[i],
			Ports:   ports,
			Network: network,
			Session: session,
			rank:    i,
			sends:   map[int]*Request{},
		}
		loop.Go(func(h *simulator.Handle) {
			c.Handle = h
			f(c)
		})
	}
}

// Size gets the number of nodes.
func (c *Comms) Size() int {
	return len(c.Ports)
}

// Index returns the current node's index in the list of
// nodes.
func (c *Comms) Index() int {
	return c.rank
}

// IndexOf returns any node's index.
func (c *Comms) IndexOf(p *simulator.Port) int {
	for i, port := range c.Ports {
		if port == p {
			return i
		}
	}
	panic("unreachable")
}

// NewEpoch starts a new collective operation and returns
// its epoch number.
func (c *Comms) NewEpoch() int {
	c.epoch++
	return c.epoch
}

// Isend starts sending buf to the node with index dst.
//
// The payload is not copied: buf must not be modified
// until the returned Request completes, which happens
// once the receiver has consumed the data.
func (c *Comms) Isend(dst, tag, stage int, buf []float64) *Request {
	if dst == c.rank {
		panic("cannot send to self")
	}
	c.nextID++
	req := &Request{
		send:  true,
		peer:  dst,
		epoch: c.epoch,
		tag:   tag,
		stage: stage,
		buf:   buf,
		id:    c.nextID,
	}
	c.sends[req.id] = req
	c.Network.Send(c.Handle, &simulator.Message{
		Source: c.Port,
		Dest:   c.Ports[dst],
		Message: &Envelope{
			Session: c.Session,
			Source:  c.rank,
			Epoch:   c.epoch,
			Tag:     tag,
			Stage:   stage,
			ID:      req.id,
			Payload: buf,
		},
		Size: float64(len(buf) * 8),
	})
	return req
}

// Irecv starts receiving a message from the node with
// index src into buf.
// The message must have exactly len(buf) values.
func (c *Comms) Irecv(src, tag, stage int, buf []float64) *Request {
	if src == c.rank {
		panic("cannot receive from self")
	}
	req := &Request{
		peer:  src,
		epoch: c.epoch,
		tag:   tag,
		stage: stage,
		buf:   buf,
	}
	for i, env := range c.unexpected {
		if req.matches(env) {
			essentials.OrderedDelete(&c.unexpected, i)
			c.deliver(req, env)
			return req
		}
	}
	c.recvs = append(c.recvs, req)
	return req
}

// Bcast starts sending vec to every other node.
func (c *Comms) Bcast(tag, stage int, vec []float64) []*Request {
	reqs := make([]*Request, 0, len(c.Ports)-1)
	for i := range c.Ports {
		if i != c.rank {
			reqs = append(reqs, c.Isend(i, tag, stage, vec))
		}
	}
	return reqs
}

// Wait blocks until every request has completed,
// servicing incoming messages in the meantime.
func (c *Comms) Wait(reqs ...*Request) {
	for !allDone(reqs) {
		c.dispatch(c.Port.Recv(c.Handle))
	}
}

// WaitAll is like Wait, but for several lists of
// requests.
func (c *Comms) WaitAll(reqLists ...[]*Request) {
	for _, reqs := range reqLists {
		c.Wait(reqs...)
	}
}

// Pending returns the number of unmatched incoming
// messages and incomplete requests.
func (c *Comms) Pending() int {
	return len(c.unexpected) + len(c.recvs) + len(c.sends)
}

func (c *Comms) dispatch(msg *simulator.Message) {
	env, ok := msg.Message.(*Envelope)
	if !ok {
		panic(fmt.Sprintf("unexpected message type: %T", msg.Message))
	}
	if env.Session != c.Session {
		panic("message from foreign session " + env.Session.String())
	}
	if env.Ack {
		req, ok := c.sends[env.ID]
		if !ok {
			panic(fmt.Sprintf("acknowledgement for unknown send %d", env.ID))
		}
		delete(c.sends, env.ID)
		req.done = true
		return
	}
	for i, req := range c.recvs {
		if req.matches(env) {
			essentials.OrderedDelete(&c.recvs, i)
			c.deliver(req, env)
			return
		}
	}
	c.unexpected = append(c.unexpected, env)
}

func (c *Comms) deliver(req *Request, env *Envelope) {
	if len(env.Payload) != len(req.buf) {
		panic(fmt.Sprintf("message size mismatch from node %d (tag %d stage %d): got %d, expected %d",
			env.Source, env.Tag, env.Stage, len(env.Payload), len(req.buf)))
	}
	copy(req.buf, env.Payload)
	req.done = true
	c.Network.Send(c.Handle, &simulator.Message{
		Source: c.Port,
		Dest:   c.Ports[env.Source],
		Message: &Envelope{
			Session: c.Session,
			Source:  c.rank,
			Ack:     true,
			ID:      env.ID,
		},
	})
}

// An Envelope is the wire format of a point-to-point
// message.
type Envelope struct {
	Session uuid.UUID
	Source  int
	Epoch   int
	Tag     int
	Stage   int

	// ID identifies the send request on the source node.
	ID int

	// Ack is set on acknowledgements, which carry no
	// payload.
	Ack bool

	Payload []float64
}

// A Request tracks a non-blocking send or receive.
type Request struct {
	send  bool
	peer  int
	epoch int
	tag   int
	stage int
	buf   []float64
	id    int
	done  bool
}

// Done reports whether the request has completed.
func (r *Request) Done() bool {
	return r.done
}

// Peer returns the index of the other node.
func (r *Request) Peer() int {
	return r.peer
}

func (r *Request) matches(env *Envelope) bool {
	return !r.send && env.Source == r.peer && env.Epoch == r.epoch && env.Tag == r.tag &&
		env.Stage == r.stage
}

func allDone(reqs []*Request) bool {
	for _, r := range reqs {
		if !r.done {
			return false
		}
	}
	return true
}
