package allreduce

import "github.com/unixpickle/qlt/collcomm"

// A NaiveAllreducer sends every node's partial reduction
// to every other node.
type NaiveAllreducer struct{}

// Allreduce runs fn() on all of the nodes' vectors on
// every node.
func (n NaiveAllreducer) Allreduce(c *collcomm.Comms, cells []int, rows [][]float64,
	fn collcomm.ReduceFn) []float64 {
	data := localReduce(c, rows, fn)
	c.NewEpoch()
	if c.Size() == 1 {
		return data
	}

	gatheredVecs := make([][]float64, c.Size())
	gatheredVecs[c.Index()] = data

	recvs := make([]*collcomm.Request, 0, c.Size()-1)
	for i := range gatheredVecs {
		if i != c.Index() {
			gatheredVecs[i] = make([]float64, len(data))
			recvs = append(recvs, c.Irecv(i, naiveTag, 0, gatheredVecs[i]))
		}
	}
	sends := c.Bcast(naiveTag, 0, data)
	c.WaitAll(recvs, sends)

	return fn(c.Handle, gatheredVecs...)
}
