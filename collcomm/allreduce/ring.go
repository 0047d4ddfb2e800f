package allreduce

import (
	"github.com/unixpickle/qlt/collcomm"
)

// A RingAllreducer splits a vector up into smaller
// messages and streams the messages through all the nodes
// at once.
//
// The reduction has two phases: Reduce and Broadcast.
// During Reduce, each chunk starts at the first node,
// travels around the ring, and arrives back at the first
// node fully reduced. During Broadcast, the reduced chunks
// are streamed from the first node to all the other nodes.
type RingAllreducer struct {
	// Granularity determines how many chunks the data is
	// split up into.
	// The actual number of chunks is multiplied by the
	// number of nodes.
	//
	// If Granularity is 0, it is treated as 1.
	Granularity int
}

// Allreduce calls fn on chunks of data at a time and
// returns a vector resulting from the final reduction.
func (r RingAllreducer) Allreduce(c *collcomm.Comms, cells []int, rows [][]float64,
	fn collcomm.ReduceFn) []float64 {
	data := localReduce(c, rows, fn)
	c.NewEpoch()
	if len(data) == 0 || c.Size() == 1 {
		return data
	}

	chunks := r.chunkify(c, data)
	next := (c.Index() + 1) % c.Size()
	prev := (c.Index() + c.Size() - 1) % c.Size()
	reduceStage := func(i int) int { return i }
	bcastStage := func(i int) int { return len(chunks) + i }

	var sends []*collcomm.Request
	reduced := make([][]float64, len(chunks))
	for i, chunk := range chunks {
		reduced[i] = make([]float64, len(chunk))
	}

	if c.Index() == 0 {
		recvs := make([]*collcomm.Request, len(chunks))
		for i, chunk := range chunks {
			recvs[i] = c.Irecv(prev, ringTag, reduceStage(i), reduced[i])
			sends = append(sends, c.Isend(next, ringTag, reduceStage(i), chunk))
		}
		for i, recv := range recvs {
			c.Wait(recv)
			sends = append(sends, c.Isend(next, ringTag, bcastStage(i), reduced[i]))
		}
	} else {
		isLastNode := next == 0
		incoming := make([]*collcomm.Request, len(chunks))
		partial := make([][]float64, len(chunks))
		for i, chunk := range chunks {
			partial[i] = make([]float64, len(chunk))
			incoming[i] = c.Irecv(prev, ringTag, reduceStage(i), partial[i])
		}
		bcasts := make([]*collcomm.Request, len(chunks))
		for i := range chunks {
			bcasts[i] = c.Irecv(prev, ringTag, bcastStage(i), reduced[i])
		}
		for i, chunk := range chunks {
			c.Wait(incoming[i])
			out := fn(c.Handle, partial[i], chunk)
			sends = append(sends, c.Isend(next, ringTag, reduceStage(i), out))
		}
		for i, recv := range bcasts {
			c.Wait(recv)
			if !isLastNode {
				sends = append(sends, c.Isend(next, ringTag, bcastStage(i), reduced[i]))
			}
		}
	}
	c.Wait(sends...)

	res := make([]float64, 0, len(data))
	for _, chunk := range reduced {
		res = append(res, chunk...)
	}
	return res
}

func (r RingAllreducer) chunkify(c *collcomm.Comms, data []float64) [][]float64 {
	granularity := r.Granularity
	if granularity == 0 {
		granularity = 1
	}
	chunkSize := len(data) / (c.Size() * granularity)
	if chunkSize < 1 {
		chunkSize = 1
	}
	var res [][]float64
	for i := 0; i < len(data); i += chunkSize {
		if i+chunkSize > len(data) {
			res = append(res, data[i:])
		} else {
			res = append(res, data[i:i+chunkSize])
		}
	}
	return res
}
