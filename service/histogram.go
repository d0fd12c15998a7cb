package service

import (
	"context"
	"math"
	"sync"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

// DefaultNumBins is the bin count used when a request leaves it unset.
const DefaultNumBins = 1000

const maxNumBins = 10000

// ValueDistribution computes the equal-width histogram of positive contract
// amounts over the filtered set, from a single scan. An empty filtered set
// yields a zeroed histogram rather than a division by zero.
func (a *Aggregator) ValueDistribution(ctx context.Context, pred Predicate, numBins int, includeSupplementary bool) (*model.Histogram, error) {
	if numBins <= 0 {
		numBins = DefaultNumBins
	}
	if numBins > maxNumBins {
		return nil, validationError("invalid_num_bins", "num_bins must be at most %d", maxNumBins)
	}

	var mu sync.Mutex
	var amounts []float64
	err := a.engine.Scan(ctx, pred, includeSupplementary, func(batch []model.ContractRecord) error {
		mu.Lock()
		defer mu.Unlock()
		for i := range batch {
			if v := batch[i].ContractAmount; v > 0 {
				amounts = append(amounts, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, aggregationError("scan", "histogram scan: %v", err)
	}

	if len(amounts) == 0 {
		return &model.Histogram{Bins: []model.HistogramBin{}}, nil
	}

	minV, maxV := amounts[0], amounts[0]
	for _, v := range amounts[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	// A single distinct value collapses to one bin of zero width.
	if maxV == minV {
		return &model.Histogram{
			MinValue: minV,
			MaxValue: maxV,
			Bins: []model.HistogramBin{{
				Bin:        1,
				BinStart:   minV,
				BinEnd:     maxV,
				Count:      int64(len(amounts)),
				TotalValue: sum(amounts),
				AvgValue:   sum(amounts) / float64(len(amounts)),
			}},
		}, nil
	}

	binWidth := (maxV - minV) / float64(numBins)
	type acc struct {
		count int64
		total float64
	}
	bins := make(map[int]*acc)
	for _, v := range amounts {
		// The maximum value lands on the upper edge; the clamp keeps it
		// inside bin numBins instead of overflowing into numBins+1.
		bin := int(math.Floor((v-minV)/binWidth)) + 1
		if bin < 1 {
			bin = 1
		}
		if bin > numBins {
			bin = numBins
		}
		b := bins[bin]
		if b == nil {
			b = &acc{}
			bins[bin] = b
		}
		b.count++
		b.total += v
	}

	out := &model.Histogram{
		MinValue: minV,
		MaxValue: maxV,
		BinWidth: binWidth,
		Bins:     make([]model.HistogramBin, 0, len(bins)),
	}
	for bin := 1; bin <= numBins; bin++ {
		b := bins[bin]
		if b == nil {
			continue
		}
		out.Bins = append(out.Bins, model.HistogramBin{
			Bin:        bin,
			BinStart:   minV + float64(bin-1)*binWidth,
			BinEnd:     minV + float64(bin)*binWidth,
			Count:      b.count,
			TotalValue: b.total,
			AvgValue:   b.total / float64(b.count),
		})
	}
	return out, nil
}

func sum(vs []float64) float64 {
	var s float64
	for _, v := range vs {
		s += v
	}
	return s
}
