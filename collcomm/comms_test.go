package collcomm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/qlt/simulator"
)

func TestCommsStageMatching(t *testing.T) {
	// A random network reorders messages, so matching must
	// rely on stages alone.
	loop := simulator.NewSeededEventLoop(1)
	nodes := simulator.NewNodes(2)
	const numStages = 20

	received := make([][]float64, numStages)
	SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *Comms) {
		c.NewEpoch()
		if c.Index() == 0 {
			var reqs []*Request
			for stage := 0; stage < numStages; stage++ {
				reqs = append(reqs, c.Isend(1, 7, stage, []float64{float64(stage), 1}))
			}
			c.Wait(reqs...)
			for _, r := range reqs {
				assert.True(t, r.Done())
			}
		} else {
			var reqs []*Request
			for stage := numStages - 1; stage >= 0; stage-- {
				received[stage] = make([]float64, 2)
				reqs = append(reqs, c.Irecv(0, 7, stage, received[stage]))
			}
			c.Wait(reqs...)
		}
		assert.Equal(t, 0, c.Pending())
	})
	require.NoError(t, loop.Run())

	for stage, vec := range received {
		assert.Equal(t, []float64{float64(stage), 1}, vec)
	}
}

func TestCommsUnexpectedMessages(t *testing.T) {
	loop := simulator.NewSeededEventLoop(2)
	nodes := simulator.NewNodes(2)
	network := simulator.NewLinkNetwork(0.1, 0, 1e3)

	var result []float64
	SpawnComms(loop, network, nodes, func(c *Comms) {
		c.NewEpoch()
		if c.Index() == 0 {
			c.Wait(c.Isend(1, 1, 0, []float64{3, 4, 5}))
			return
		}
		// Let the message arrive before the receive is
		// posted.
		c.Handle.Sleep(10)
		result = make([]float64, 3)
		c.Wait(c.Irecv(0, 1, 0, result))
	})
	require.NoError(t, loop.Run())
	assert.Equal(t, []float64{3, 4, 5}, result)
}

func TestCommsEpochs(t *testing.T) {
	loop := simulator.NewSeededEventLoop(3)
	nodes := simulator.NewNodes(3)

	results := make([][]float64, 3)
	SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *Comms) {
		for round := 0; round < 5; round++ {
			c.NewEpoch()
			value := []float64{float64(round*10 + c.Index())}
			sends := c.Bcast(0, 0, value)
			var recvs []*Request
			bufs := make([][]float64, c.Size())
			for i := 0; i < c.Size(); i++ {
				if i != c.Index() {
					bufs[i] = make([]float64, 1)
					recvs = append(recvs, c.Irecv(i, 0, 0, bufs[i]))
				}
			}
			c.WaitAll(sends, recvs)
			for i, buf := range bufs {
				if buf != nil {
					assert.Equal(t, float64(round*10+i), buf[0])
				}
			}
		}
		results[c.Index()] = []float64{float64(c.Pending())}
	})
	require.NoError(t, loop.Run())
	for _, res := range results {
		assert.Equal(t, []float64{0}, res)
	}
}

func TestCommsSession(t *testing.T) {
	loop := simulator.NewSeededEventLoop(4)
	nodes := simulator.NewNodes(3)
	sessions := make([]string, 3)
	ranks := make([]int, 3)
	SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *Comms) {
		sessions[c.Index()] = c.Session.String()
		ranks[c.Index()] = c.IndexOf(c.Port)
		assert.Equal(t, 3, c.Size())
	})
	require.NoError(t, loop.Run())
	assert.Equal(t, sessions[0], sessions[1])
	assert.Equal(t, sessions[0], sessions[2])
	assert.Equal(t, []int{0, 1, 2}, ranks)
}

func TestReduceFns(t *testing.T) {
	loop := simulator.NewSeededEventLoop(5)
	a := []float64{1, -2, 3}
	b := []float64{4, 5, -6}
	loop.Go(func(h *simulator.Handle) {
		assert.Equal(t, []float64{5, 3, -3}, Sum(h, a, b))
		assert.Equal(t, []float64{1, -2, -6}, Min(h, a, b))
		assert.Equal(t, []float64{4, 5, 3}, Max(h, a, b))

		res := Sum(h, a)
		res[0] = 100
		assert.Equal(t, 1.0, a[0], "result must not alias input")
	})
	require.NoError(t, loop.Run())
	assert.InDelta(t, 21*FlopTime, loop.Time(), 1e-15)
}
