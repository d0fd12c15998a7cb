package service

import (
	"path/filepath"
	"testing"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

func TestCatalogRolesAndFallback(t *testing.T) {
	dir := t.TempDir()
	writeParquet(t, filepath.Join(dir, "facts_awards_2021.parquet"), sampleRows()[:5])
	writeParquet(t, filepath.Join(dir, "facts_awards_2022.parquet"), sampleRows()[5:])
	writeParquet(t, filepath.Join(dir, "facts_awards_flood_control.parquet"), floodRows())
	writeParquet(t, filepath.Join(dir, "agg_by_area.parquet"), []rollupRow{
		{Label: "Cebu", TotalValue: 1_680_000, Count: 2},
	})

	cat, err := NewCatalog(dir)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}

	// No all-time file: the per-year partitions serve as primary.
	parts := cat.FactPartitions(false)
	if len(parts) != 2 {
		t.Fatalf("expected 2 per-year fact partitions, got %d", len(parts))
	}
	for _, p := range parts {
		if p.Role != RolePrimary {
			t.Errorf("partition %s: role %s, want primary", p.ID, p.Role)
		}
	}

	if parts = cat.FactPartitions(true); len(parts) != 3 {
		t.Fatalf("expected flood-control partition on opt-in, got %d partitions", len(parts))
	}

	rollup, ok := cat.Rollup("by_area")
	if !ok {
		t.Fatal("rollup partition for by_area not found")
	}
	if rollup.Role != RoleRollup || rollup.Dimension != "by_area" {
		t.Errorf("rollup metadata wrong: %+v", rollup)
	}

	// Adding the consolidated file and refreshing flips primary selection.
	writeParquet(t, filepath.Join(dir, "facts_awards_all_time.parquet"), sampleRows())
	if err := cat.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	parts = cat.FactPartitions(false)
	if len(parts) != 1 || parts[0].ID != "facts_awards_all_time" {
		t.Fatalf("all-time file must be preferred over per-year files, got %+v", parts)
	}
	if parts[0].Rows != 10 {
		t.Errorf("row count: got %d, want 10", parts[0].Rows)
	}
}

func TestCatalogRejectsWrongSchema(t *testing.T) {
	type alienRow struct {
		Name  string  `parquet:"name"`
		Score float64 `parquet:"score"`
	}
	dir := t.TempDir()
	writeParquet(t, filepath.Join(dir, "facts_awards_all_time.parquet"), []alienRow{{Name: "x", Score: 1}})
	writeParquet(t, filepath.Join(dir, "facts_awards_2021.parquet"), sampleRows())

	cat, err := NewCatalog(dir)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	parts := cat.FactPartitions(false)
	if len(parts) != 1 || parts[0].ID != "facts_awards_2021" {
		t.Fatalf("incompatible all-time file must be flagged, leaving the year file: %+v", parts)
	}

	var flagged bool
	for _, p := range cat.Snapshot() {
		if p.ID == "facts_awards_all_time" && !p.Compatible {
			flagged = true
		}
	}
	if !flagged {
		t.Error("incompatible partition should stay visible in the snapshot")
	}
}

func TestCatalogRequiresAtLeastOneFactPartition(t *testing.T) {
	dir := t.TempDir()
	writeParquet(t, filepath.Join(dir, "agg_by_area.parquet"), []rollupRow{{Label: "Cebu"}})
	if _, err := NewCatalog(dir); err == nil {
		t.Fatal("catalog with only rollups must fail to construct")
	}
}

func TestCatalogIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	writeParquet(t, filepath.Join(dir, "facts_awards_all_time.parquet"), sampleRows())
	writeParquet(t, filepath.Join(dir, "random_dump.parquet"), []model.ContractRecord{sampleRows()[0]})

	cat, err := NewCatalog(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(cat.Snapshot()); got != 1 {
		t.Errorf("unrelated parquet files must be ignored, snapshot has %d entries", got)
	}
}
