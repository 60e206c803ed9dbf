// Package chunk partitions the detector×sample space of one observation
// into bounded-size chunks and drives their independent materialization.
// Planning is pure and restartable; materializing a chunk is left to a
// caller-supplied function so fan-out and cancellation stay explicit.
package chunk

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Range is the half-open interval [Start, Stop).
type Range struct {
	Start, Stop int
}

// Len returns the number of positions the range covers.
func (r Range) Len() int { return r.Stop - r.Start }

// Chunk is one sub-rectangle of the detector×sample space.
type Chunk struct {
	Dets  Range
	Samps Range
}

// Options controls how Plan splits the observation. RAMLimit overrides
// everything else; an explicit chunk count overrides a per-chunk size;
// detector and sample controls are independent of each other. Zero values
// mean "no constraint" (one chunk covering the whole extent).
type Options struct {
	// RAMLimit bounds the approximate bytes one chunk occupies, costing
	// BytesPerPoint per detector-sample point.
	RAMLimit      int64
	BytesPerPoint int

	DetChunks     int
	SampChunks    int
	DetsPerChunk  int
	SampsPerChunk int
}

const defaultBytesPerPoint = 4

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// splitBySize covers [0, total) with ranges of the given size; the last
// range may be short.
func splitBySize(total, size int) []Range {
	var out []Range
	for start := 0; start < total; start += size {
		stop := start + size
		if stop > total {
			stop = total
		}
		out = append(out, Range{Start: start, Stop: stop})
	}
	return out
}

func splitByCount(total, n int) []Range {
	return splitBySize(total, ceilDiv(total, n))
}

// Plan computes the ordered chunk sequence: the outer loop walks detector
// ranges, the inner loop sample ranges (samples vary fastest). The result
// covers the full detector×sample extent exactly once.
func Plan(totalDets, totalSamps int, o Options) ([]Chunk, error) {
	if totalDets <= 0 || totalSamps <= 0 {
		return nil, fmt.Errorf("plan: non-positive extent (%d dets, %d samps)", totalDets, totalSamps)
	}
	if o.DetChunks < 0 || o.SampChunks < 0 || o.DetsPerChunk < 0 || o.SampsPerChunk < 0 || o.RAMLimit < 0 {
		return nil, fmt.Errorf("plan: negative option")
	}

	var detRanges, sampRanges []Range
	if o.RAMLimit > 0 {
		bpp := o.BytesPerPoint
		if bpp <= 0 {
			bpp = defaultBytesPerPoint
		}
		pts := int(o.RAMLimit) / bpp
		if pts <= 0 {
			return nil, fmt.Errorf("plan: ram limit %d below the cost of one point", o.RAMLimit)
		}
		// Grow the sample chunk count from 1 until at least one detector
		// fits alongside a sample chunk.
		sampChunks := 1
		nSamps := totalSamps
		nDets := pts / nSamps
		for nDets == 0 {
			sampChunks++
			if sampChunks > totalSamps {
				return nil, fmt.Errorf("plan: ram limit %d cannot hold one detector-sample point", o.RAMLimit)
			}
			nSamps = totalSamps / sampChunks
			if nSamps == 0 {
				return nil, fmt.Errorf("plan: ram limit %d cannot hold one detector-sample point", o.RAMLimit)
			}
			nDets = pts / nSamps
		}
		detRanges = splitByCount(totalDets, ceilDiv(totalDets, nDets))
		sampRanges = splitByCount(totalSamps, sampChunks)
	} else {
		switch {
		case o.DetChunks > 0:
			detRanges = splitByCount(totalDets, o.DetChunks)
		case o.DetsPerChunk > 0:
			detRanges = splitBySize(totalDets, o.DetsPerChunk)
		default:
			detRanges = []Range{{Start: 0, Stop: totalDets}}
		}
		switch {
		case o.SampChunks > 0:
			sampRanges = splitByCount(totalSamps, o.SampChunks)
		case o.SampsPerChunk > 0:
			sampRanges = splitBySize(totalSamps, o.SampsPerChunk)
		default:
			sampRanges = []Range{{Start: 0, Stop: totalSamps}}
		}
	}

	out := make([]Chunk, 0, len(detRanges)*len(sampRanges))
	for _, d := range detRanges {
		for _, s := range sampRanges {
			out = append(out, Chunk{Dets: d, Samps: s})
		}
	}
	return out, nil
}

// ForEach materializes chunks one at a time in plan order. It stops at the
// first error or once ctx is done; abandoning the remainder has no side
// effects beyond chunks already handed to fn.
func ForEach(ctx context.Context, chunks []Chunk, fn func(Chunk) error) error {
	for _, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ch); err != nil {
			return err
		}
	}
	return nil
}

// Parallel fans chunk materialization out over at most workers goroutines
// (unbounded when workers <= 0). Chunks are independent; fn must build its
// own container per chunk and not share mutable state.
func Parallel(ctx context.Context, chunks []Chunk, workers int, fn func(context.Context, Chunk) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, ch := range chunks {
		ch := ch
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, ch)
		})
	}
	return g.Wait()
}
