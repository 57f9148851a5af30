// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_quality

import (
	"context"
	"sync"
	"time"

	internal_media "github.com/medicamovil/internal/media"
	"github.com/medicamovil/pkg/commons"
)

// Level is the coarse connection quality derived from RTP stats.
type Level string

const (
	LevelExcellent Level = "excellent"
	LevelGood      Level = "good"
	LevelFair      Level = "fair"
	LevelPoor      Level = "poor"
)

// StatsProvider yields a point-in-time stats sample for the active peer
// connection. internal_media.Engine satisfies it.
type StatsProvider interface {
	GetStats(ctx context.Context) (internal_media.Stats, error)
}

// PresetApplier receives the preset chosen by the adaptive loop.
type PresetApplier interface {
	ApplyVideoPreset(p internal_media.VideoPreset) error
}

// Report is delivered to the orchestrator after every sample.
type Report struct {
	Level    Level
	LossRate float64
	RTT      time.Duration
	Preset   internal_media.VideoPreset
}

// ==== monitor ====

// ConnectionQualityMonitor samples connection stats on a fixed interval,
// grades them, and steps the video preset down or up after two consecutive
// samples agree on a direction. Manual preset selection suspends the
// adaptive loop until it is re-enabled.
type ConnectionQualityMonitor struct {
	mu       sync.Mutex
	logger   commons.Logger
	provider StatsProvider
	applier  PresetApplier
	onReport func(Report)

	interval time.Duration
	adaptive bool
	preset   internal_media.VideoPreset

	prevLost     uint64
	prevReceived uint64
	havePrev     bool

	lastLevel  Level
	levelCount int

	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewConnectionQualityMonitor builds a stopped monitor. Pass interval <= 0
// to use the default 2s sampling period.
func NewConnectionQualityMonitor(
	logger commons.Logger,
	provider StatsProvider,
	applier PresetApplier,
	interval time.Duration,
	onReport func(Report),
) *ConnectionQualityMonitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &ConnectionQualityMonitor{
		logger:   logger,
		provider: provider,
		applier:  applier,
		onReport: onReport,
		interval: interval,
		adaptive: true,
		preset:   internal_media.PresetHigh,
	}
}

// Start begins the sampling loop. Calling Start on a running monitor is a
// no-op.
func (m *ConnectionQualityMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.loop(ctx, m.done)
}

// Stop halts sampling and waits for the loop to exit. Safe to call more
// than once and before Start.
func (m *ConnectionQualityMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// SetAdaptiveQuality turns the automatic preset loop on or off. Turning it
// back on resets the hysteresis window.
func (m *ConnectionQualityMonitor) SetAdaptiveQuality(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adaptive = enabled
	m.lastLevel = ""
	m.levelCount = 0
}

// SetVideoQuality pins the preset manually and disables the adaptive loop.
func (m *ConnectionQualityMonitor) SetVideoQuality(p internal_media.VideoPreset) error {
	m.mu.Lock()
	m.adaptive = false
	m.preset = p
	m.lastLevel = ""
	m.levelCount = 0
	applier := m.applier
	m.mu.Unlock()
	return applier.ApplyVideoPreset(p)
}

// Preset returns the currently applied video preset.
func (m *ConnectionQualityMonitor) Preset() internal_media.VideoPreset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preset
}

func (m *ConnectionQualityMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *ConnectionQualityMonitor) sample(ctx context.Context) {
	stats, err := m.provider.GetStats(ctx)
	if err != nil {
		m.logger.Debugf("stats sample failed: %v", err)
		return
	}

	m.mu.Lock()

	lost := stats.PacketsLost
	received := stats.PacketsReceived
	if m.havePrev {
		// Counters are cumulative; grade the delta of this window.
		if lost >= m.prevLost {
			lost -= m.prevLost
		}
		if received >= m.prevReceived {
			received -= m.prevReceived
		}
	}
	m.prevLost = stats.PacketsLost
	m.prevReceived = stats.PacketsReceived
	m.havePrev = true

	denom := received + lost
	if denom == 0 {
		denom = 1
	}
	lossRate := float64(lost) / float64(denom)
	level := gradeSample(lossRate, stats.RoundTripTime)

	if level == m.lastLevel {
		m.levelCount++
	} else {
		m.lastLevel = level
		m.levelCount = 1
	}

	var apply internal_media.VideoPreset
	changed := false
	if m.adaptive && m.levelCount >= 2 {
		if next := presetFor(level, m.preset); next != m.preset {
			m.preset = next
			apply = next
			changed = true
		}
	}
	report := Report{Level: level, LossRate: lossRate, RTT: stats.RoundTripTime, Preset: m.preset}
	applier := m.applier
	onReport := m.onReport
	m.mu.Unlock()

	if changed {
		if err := applier.ApplyVideoPreset(apply); err != nil {
			m.logger.Warnw("failed to apply video preset", "preset", apply, "error", err)
		} else {
			m.logger.Infow("adaptive quality changed video preset", "preset", apply, "level", level)
		}
	}
	if onReport != nil {
		onReport(report)
	}
}

// gradeSample maps a loss rate and round trip time onto a quality level,
// taking the worse of the two signals.
func gradeSample(lossRate float64, rtt time.Duration) Level {
	switch {
	case lossRate > 0.05 || rtt > 500*time.Millisecond:
		return LevelPoor
	case lossRate > 0.02 || rtt > 200*time.Millisecond:
		return LevelFair
	case lossRate > 0.01 || rtt > 100*time.Millisecond:
		return LevelGood
	default:
		return LevelExcellent
	}
}

// presetFor steps the preset one notch toward the target implied by the
// level, so recovery ramps up gradually rather than jumping to high.
func presetFor(level Level, current internal_media.VideoPreset) internal_media.VideoPreset {
	target := current
	switch level {
	case LevelPoor:
		target = internal_media.PresetLow
	case LevelFair:
		target = internal_media.PresetMedium
	case LevelGood, LevelExcellent:
		target = internal_media.PresetHigh
	}
	if target == current {
		return current
	}
	switch {
	case rank(target) < rank(current):
		return step(current, -1)
	default:
		return step(current, 1)
	}
}

func rank(p internal_media.VideoPreset) int {
	switch p {
	case internal_media.PresetLow:
		return 0
	case internal_media.PresetMedium:
		return 1
	default:
		return 2
	}
}

func step(p internal_media.VideoPreset, dir int) internal_media.VideoPreset {
	order := []internal_media.VideoPreset{
		internal_media.PresetLow,
		internal_media.PresetMedium,
		internal_media.PresetHigh,
	}
	i := rank(p) + dir
	if i < 0 {
		i = 0
	}
	if i > 2 {
		i = 2
	}
	return order[i]
}
