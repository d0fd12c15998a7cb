package service

import (
	"context"
	"math"
	"testing"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

func TestValueDistributionBins(t *testing.T) {
	e := defaultTestEngine(t)
	agg := NewAggregator(e, 0)

	hist, err := agg.ValueDistribution(context.Background(), MatchAll(), 10, false)
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}

	if hist.MinValue != 120_000 || hist.MaxValue != 5_400_000 {
		t.Errorf("range: got [%f, %f]", hist.MinValue, hist.MaxValue)
	}
	wantWidth := (5_400_000.0 - 120_000.0) / 10
	if hist.BinWidth != wantWidth {
		t.Errorf("bin width: got %f, want %f", hist.BinWidth, wantWidth)
	}

	// Bin counts must sum to the number of positive amounts.
	var count int64
	var total float64
	for _, b := range hist.Bins {
		count += b.Count
		total += b.TotalValue
		if b.Bin < 1 || b.Bin > 10 {
			t.Errorf("bin index %d outside [1,10]", b.Bin)
		}
		if b.Count > 0 && math.Abs(b.AvgValue-b.TotalValue/float64(b.Count)) > 1e-9 {
			t.Errorf("bin %d avg mismatch", b.Bin)
		}
	}
	if count != 10 {
		t.Errorf("bin counts sum to %d, want 10", count)
	}
	var wantTotal float64
	for _, r := range sampleRows() {
		wantTotal += r.ContractAmount
	}
	if math.Abs(total-wantTotal) > 1e-6 {
		t.Errorf("bin totals sum to %f, want %f", total, wantTotal)
	}

	// Bins come out ordered.
	for i := 1; i < len(hist.Bins); i++ {
		if hist.Bins[i].Bin <= hist.Bins[i-1].Bin {
			t.Fatal("bins not ordered by index")
		}
	}
}

func TestValueDistributionMaxValueClamped(t *testing.T) {
	e := defaultTestEngine(t)
	agg := NewAggregator(e, 0)

	hist, err := agg.ValueDistribution(context.Background(), MatchAll(), 7, false)
	if err != nil {
		t.Fatal(err)
	}
	// The maximum amount sits exactly on the top edge; it must land inside
	// the last bin, never in a phantom bin numBins+1.
	last := hist.Bins[len(hist.Bins)-1]
	if last.Bin > 7 {
		t.Fatalf("max value overflowed into bin %d", last.Bin)
	}
	found := false
	for _, b := range hist.Bins {
		if b.Bin == 7 {
			found = b.Count >= 1
		}
	}
	if !found {
		t.Error("expected the maximum amount in the final bin")
	}
}

func TestValueDistributionEmptySet(t *testing.T) {
	e := defaultTestEngine(t)
	agg := NewAggregator(e, 0)

	pred := CompileFilter(&model.FilterRequest{Keywords: []string{"nothing matches this"}})
	hist, err := agg.ValueDistribution(context.Background(), pred, 10, false)
	if err != nil {
		t.Fatalf("empty set must not error: %v", err)
	}
	if hist.MinValue != 0 || hist.MaxValue != 0 || hist.BinWidth != 0 || len(hist.Bins) != 0 {
		t.Errorf("empty set must return a zeroed histogram, got %+v", hist)
	}
}

func TestValueDistributionSingleValue(t *testing.T) {
	rows := []model.ContractRecord{
		rec("A", "Same", "2022-01-01", "X", "O", "C", "Y", 500),
		rec("B", "Same", "2022-01-01", "X", "O", "C", "Y", 500),
	}
	e := newTestEngine(t, map[string][]model.ContractRecord{
		"facts_awards_all_time.parquet": rows,
	})
	agg := NewAggregator(e, 0)

	hist, err := agg.ValueDistribution(context.Background(), MatchAll(), 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist.Bins) != 1 || hist.Bins[0].Count != 2 {
		t.Fatalf("single distinct value must collapse to one bin: %+v", hist.Bins)
	}
}

func TestValueDistributionIgnoresNonPositiveAmounts(t *testing.T) {
	rows := append(sampleRows(),
		rec("Z1", "Zero", "2022-01-01", "X", "O", "C", "Y", 0),
		rec("Z2", "Negative", "2022-01-01", "X", "O", "C", "Y", -50),
	)
	e := newTestEngine(t, map[string][]model.ContractRecord{
		"facts_awards_all_time.parquet": rows,
	})
	agg := NewAggregator(e, 0)

	hist, err := agg.ValueDistribution(context.Background(), MatchAll(), 10, false)
	if err != nil {
		t.Fatal(err)
	}
	var count int64
	for _, b := range hist.Bins {
		count += b.Count
	}
	if count != 10 {
		t.Errorf("non-positive amounts must be excluded, counted %d", count)
	}
}

func TestValueDistributionRejectsAbsurdBinCount(t *testing.T) {
	e := defaultTestEngine(t)
	agg := NewAggregator(e, 0)
	if _, err := agg.ValueDistribution(context.Background(), MatchAll(), 1_000_000, false); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}
