package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

func writeParquet[T any](t *testing.T, path string, rows []T) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	w := parquet.NewGenericWriter[T](f)
	if _, err := w.Write(rows); err != nil {
		t.Fatalf("write rows: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
}

func rec(ref, title, date, awardee, org, category, area string, amount float64) model.ContractRecord {
	return model.ContractRecord{
		ReferenceID:      ref,
		AwardTitle:       title,
		NoticeTitle:      title,
		AwardDate:        date,
		AwardeeName:      awardee,
		OrganizationName: org,
		BusinessCategory: category,
		AreaOfDelivery:   area,
		ContractAmount:   amount,
		AwardStatus:      "Awarded",
		SearchText:       strings.ToLower(title + " " + awardee + " " + org),
	}
}

// sampleRows is the shared fixture dataset. Amounts, years and dimensions
// are spread so every engine feature has something to bite on.
func sampleRows() []model.ContractRecord {
	return []model.ContractRecord{
		rec("REF-001", "Road Widening Phase 1", "2021-03-15", "Alpha Builders", "DPWH Region I", "Construction", "Ilocos Norte", 1_500_000),
		rec("REF-002", "School Building Repair", "2021-06-02", "Beta Construction", "DepEd Division", "Construction", "Cebu", 900_000),
		rec("REF-003", "Medical Supplies Q2", "2021-07-20", "Gamma Pharma", "DOH Central", "Medical Supplies", "Metro Manila", 250_000),
		rec("REF-004", "Bridge Retrofit", "2022-01-10", "Alpha Builders", "DPWH Region I", "Construction", "Ilocos Norte", 3_200_000),
		rec("REF-005", "Office Furniture", "2022-04-25", "Delta Trading", "DILG Province", "Furniture", "Davao", 120_000),
		rec("REF-006", "Drainage Improvement", "2022-09-30", "Beta Construction", "City of Cebu", "Construction", "Cebu", 780_000),
		rec("REF-007", "IT Equipment Batch 3", "2023-02-14", "Epsilon Tech", "DICT Central", "IT Equipment", "Metro Manila", 640_000),
		rec("REF-008", "Road Resurfacing", "2023-05-08", "Alpha Builders", "DPWH Region II", "Construction", "Cagayan", 2_100_000),
		rec("REF-009", "Laboratory Reagents", "2023-08-19", "Gamma Pharma", "DOH Central", "Medical Supplies", "Metro Manila", 310_000),
		rec("REF-010", "River Dredging", "2023-11-11", "Zeta Marine", "DPWH Region III", "Construction", "Pampanga", 5_400_000),
	}
}

func floodRows() []model.ContractRecord {
	return []model.ContractRecord{
		rec("FC-001", "Flood Control Dike", "2022-07-07", "Zeta Marine", "DPWH Region III", "Construction", "Pampanga", 8_000_000),
		rec("FC-002", "Pump Station Rehab", "2023-03-03", "Alpha Builders", "DPWH Region III", "Construction", "Bulacan", 4_500_000),
	}
}

// newTestEngine writes the given partitions into a temp data dir and builds
// a small engine over them.
func newTestEngine(t *testing.T, partitions map[string][]model.ContractRecord) *Engine {
	t.Helper()
	dir := t.TempDir()
	for name, rows := range partitions {
		writeParquet(t, filepath.Join(dir, name), rows)
	}
	cat, err := NewCatalog(dir)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	eng, err := NewEngine(cat, 2, 4)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func defaultTestEngine(t *testing.T) *Engine {
	return newTestEngine(t, map[string][]model.ContractRecord{
		"facts_awards_all_time.parquet":      sampleRows(),
		"facts_awards_flood_control.parquet": floodRows(),
	})
}

func mustSearch(t *testing.T, e *Engine, pred Predicate, opts SearchOptions) *model.SearchResult {
	t.Helper()
	res, err := e.Search(t.Context(), pred, opts)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	return res
}
