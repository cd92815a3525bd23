// Package faultnet simulates adverse network conditions on outbound sends.
//
// Faults are configured per connection: a connection that asks for latency
// or packet loss degrades only its own inbound delivery, while the rest of
// the session keeps receiving normally. A send is first subjected to the
// target connection's random loss, then optionally deferred by its
// configured latency. Deferred deliveries run on their own timers, so two
// sends to the same connection may arrive out of submission order when
// their delays differ; that mirrors real network reordering and is
// deliberately left alone.
package faultnet

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Config holds one connection's tunables.
type Config struct {
	LatencyMs         int `json:"latencyMs"`
	PacketLossPercent int `json:"packetLossPercent"`
}

// Injector applies per-connection latency and loss to outbound sends.
// Connections without a configuration get everything immediately.
type Injector struct {
	mu   sync.RWMutex
	cfgs map[string]Config
}

// NewInjector returns an injector with no faults configured.
func NewInjector() *Injector {
	return &Injector{cfgs: make(map[string]Config)}
}

// Config returns a snapshot of the connection's current configuration.
func (inj *Injector) Config(connID string) Config {
	inj.mu.RLock()
	defer inj.mu.RUnlock()
	return inj.cfgs[connID]
}

// SetLatency sets the artificial delivery delay for the connection.
// Negative values clamp to zero.
func (inj *Injector) SetLatency(connID string, ms int) {
	if ms < 0 {
		ms = 0
	}
	inj.mu.Lock()
	cfg := inj.cfgs[connID]
	cfg.LatencyMs = ms
	inj.cfgs[connID] = cfg
	inj.mu.Unlock()
	logger.WithFields(logrus.Fields{"conn": connID, "latencyMs": ms}).Info("fault injector latency updated")
}

// SetPacketLoss sets the connection's loss percentage, clamped to 0..100.
func (inj *Injector) SetPacketLoss(connID string, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	inj.mu.Lock()
	cfg := inj.cfgs[connID]
	cfg.PacketLossPercent = percent
	inj.cfgs[connID] = cfg
	inj.mu.Unlock()
	logger.WithFields(logrus.Fields{"conn": connID, "packetLossPercent": percent}).Info("fault injector loss updated")
}

// Clear removes the connection's configuration, typically on disconnect.
func (inj *Injector) Clear(connID string) {
	inj.mu.Lock()
	delete(inj.cfgs, connID)
	inj.mu.Unlock()
}

// Deliver runs send subject to the target connection's faults. Dropped
// sends vanish silently; delayed sends never block the caller.
func (inj *Injector) Deliver(connID string, send func()) {
	cfg := inj.Config(connID)
	if cfg.PacketLossPercent > 0 && rand.Float64()*100 < float64(cfg.PacketLossPercent) {
		return
	}
	if cfg.LatencyMs > 0 {
		time.AfterFunc(time.Duration(cfg.LatencyMs)*time.Millisecond, send)
		return
	}
	send()
}
