package server

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributionString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "shared", DistributeShared.String())
	assert.Equal(t, "round-robin", DistributeRoundRobin.String())
	assert.Equal(t, "per-connection", DistributePerConnection.String())
	assert.Equal(t, "Distribution(9)", Distribution(9).String())
}

func TestDistributionPolicies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		policy   Distribution
		reactors int
	}{
		{"Shared", DistributeShared, 0},
		{"RoundRobin", DistributeRoundRobin, 3},
		{"PerConnection", DistributePerConnection, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := startServer(t, WithDistribution(tt.policy, tt.reactors))
			ts.writeFile(t, "f.txt", "distributed")

			// Sessions on any reactor run transfers side by side.
			var wg sync.WaitGroup
			for i := range 6 {
				c := ts.dialFTP(t)
				wg.Add(1)
				go func() {
					defer wg.Done()
					r, err := c.Retr("f.txt")
					if !assert.NoError(t, err) {
						return
					}
					data, err := io.ReadAll(r)
					assert.NoError(t, err)
					assert.NoError(t, r.Close())
					assert.Equal(t, "distributed", string(data))
					assert.NoError(t, c.Stor(fmt.Sprintf("up-%d.txt", i), strings.NewReader("x")))
				}()
			}
			wg.Wait()
		})
	}
}

func TestRoundRobinSpreadsSessions(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithDistribution(DistributeRoundRobin, 2))
	require.Len(t, ts.loops, 2)

	for range 4 {
		ts.dialRaw(t)
	}
	for _, l := range ts.allLoops() {
		done := make(chan int)
		require.NoError(t, l.r.Submit(func() { done <- len(l.sessions) }))
		assert.Equal(t, 2, <-done)
	}
}

func TestPerConnectionLoopStops(t *testing.T) {
	t.Parallel()
	ts := startServer(t, WithDistribution(DistributePerConnection, 0))
	assert.Empty(t, ts.loops)

	c := ts.dialRaw(t)
	other := ts.dialRaw(t)
	assert.Len(t, ts.allLoops(), 2)

	c.cmd(221, "QUIT")
	c.expectClosed()
	eventually(t, func() bool { return len(ts.allLoops()) == 1 })

	other.cmd(200, "NOOP")
}
