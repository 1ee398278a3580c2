package assetcache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

type statsCollector struct {
	hits         atomic.Uint64
	misses       atomic.Uint64
	bypassed     atomic.Uint64
	passed       atomic.Uint64
	uncontrolled atomic.Uint64
	uncacheable  atomic.Uint64
	failures     atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// ObserveOutcome counts one answered request. A nil collector is a no-op.
func (s *statsCollector) ObserveOutcome(o Outcome, err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.failures.Add(1)
		return
	}
	switch o {
	case OutcomeHit:
		s.hits.Add(1)
	case OutcomeMiss:
		s.misses.Add(1)
	case OutcomeBypass:
		s.bypassed.Add(1)
	case OutcomePassthrough:
		s.passed.Add(1)
	case OutcomeUncontrolled:
		s.uncontrolled.Add(1)
	case OutcomeUncacheable:
		s.uncacheable.Add(1)
	}
}

func (s *statsCollector) Observe(respBytes int) {
	if s == nil {
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits         uint64
	Misses       uint64
	Bypassed     uint64
	Passed       uint64
	Uncontrolled uint64
	Uncacheable  uint64
	Failures     uint64

	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:         s.hits.Load(),
		Misses:       s.misses.Load(),
		Bypassed:     s.bypassed.Load(),
		Passed:       s.passed.Load(),
		Uncontrolled: s.uncontrolled.Load(),
		Uncacheable:  s.uncacheable.Load(),
		Failures:     s.failures.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	total := s.totalRespBytes.Load()
	out.TotalResponses = count
	out.TotalRespBytes = total
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = total / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
