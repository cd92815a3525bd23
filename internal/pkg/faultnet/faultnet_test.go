package faultnet

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeliverImmediateByDefault(t *testing.T) {
	inj := NewInjector()
	delivered := false
	inj.Deliver("c1", func() { delivered = true })
	require.True(t, delivered)
}

func TestDeliverFullLossDropsEverything(t *testing.T) {
	inj := NewInjector()
	inj.SetPacketLoss("c1", 100)
	var delivered atomic.Int32
	for i := 0; i < 50; i++ {
		inj.Deliver("c1", func() { delivered.Add(1) })
	}
	require.Zero(t, delivered.Load())
}

func TestLossOnlyAffectsConfiguredConnection(t *testing.T) {
	inj := NewInjector()
	inj.SetPacketLoss("c1", 100)
	var delivered atomic.Int32
	for i := 0; i < 50; i++ {
		inj.Deliver("c2", func() { delivered.Add(1) })
	}
	require.Equal(t, int32(50), delivered.Load())
}

func TestDeliverZeroLossDropsNothing(t *testing.T) {
	inj := NewInjector()
	inj.SetPacketLoss("c1", 0)
	var delivered atomic.Int32
	for i := 0; i < 50; i++ {
		inj.Deliver("c1", func() { delivered.Add(1) })
	}
	require.Equal(t, int32(50), delivered.Load())
}

func TestDeliverLatencyDefersSend(t *testing.T) {
	inj := NewInjector()
	inj.SetLatency("c1", 20)

	done := make(chan struct{})
	start := time.Now()
	inj.Deliver("c1", func() { close(done) })

	// The caller must not block on the delay.
	require.Less(t, time.Since(start), 20*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delayed send never delivered")
	}
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestClearRemovesConfiguration(t *testing.T) {
	inj := NewInjector()
	inj.SetPacketLoss("c1", 100)
	inj.Clear("c1")

	delivered := false
	inj.Deliver("c1", func() { delivered = true })
	require.True(t, delivered)
	require.Zero(t, inj.Config("c1").PacketLossPercent)
}

func TestSetLatencyClampsNegative(t *testing.T) {
	inj := NewInjector()
	inj.SetLatency("c1", -5)
	require.Zero(t, inj.Config("c1").LatencyMs)
}

func TestSetPacketLossClamps(t *testing.T) {
	inj := NewInjector()
	inj.SetPacketLoss("c1", 150)
	require.Equal(t, 100, inj.Config("c1").PacketLossPercent)
	inj.SetPacketLoss("c1", -1)
	require.Zero(t, inj.Config("c1").PacketLossPercent)
	// A second connection stays untouched.
	require.Zero(t, inj.Config("c2").PacketLossPercent)
}
