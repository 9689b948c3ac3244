package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide packet counter.
var Stats = &stats{}

type stats struct {
	PacketsSent atomic.Int64 // packets handed to the transport
	PacketsRecv atomic.Int64 // packets popped from the transport
	BytesSent   atomic.Int64
	BytesRecv   atomic.Int64
	Relayed     atomic.Int64 // envelopes re-sent by the hub
	Dropped     atomic.Int64 // inbound packets rejected by the router
}

func (s *stats) AddSent(n int) { s.PacketsSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.PacketsRecv.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) AddRelayed()   { s.Relayed.Add(1) }
func (s *stats) AddDropped()   { s.Dropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevRelayed, prevDropped int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				relayed := Stats.Relayed.Load()
				dropped := Stats.Dropped.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				rel := relayed - prevRelayed
				drop := dropped - prevDropped

				if rel > 0 || drop > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, rel, drop))
				}

				prevSent = sent
				prevRecv = recv
				prevRelayed = relayed
				prevDropped = dropped

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, relayed, dropped int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Relayed: %4d | Dropped: %3d",
		formatBytes(inS),
		formatBytes(outS),
		relayed,
		dropped,
	)
}
