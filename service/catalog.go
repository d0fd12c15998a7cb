package service

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
)

// PartitionRole classifies a catalog entry.
type PartitionRole string

const (
	// RolePrimary partitions hold the canonical awards facts.
	RolePrimary PartitionRole = "primary"
	// RoleSupplementary partitions are excluded from scans unless the
	// request opts in (the flood-control dataset).
	RoleSupplementary PartitionRole = "supplementary"
	// RoleRollup partitions are precomputed per-dimension aggregates.
	RoleRollup PartitionRole = "rollup"
)

// Partition describes one parquet file under the data directory.
type Partition struct {
	ID         string        `json:"id"`
	Path       string        `json:"-"`
	Role       PartitionRole `json:"role"`
	Dimension  string        `json:"dimension,omitempty"`
	Rows       int64         `json:"rows"`
	ModTime    time.Time     `json:"modified_at"`
	Compatible bool          `json:"compatible"`
}

// Columns every facts partition must expose to be scannable.
var requiredFactColumns = []string{
	"award_title",
	"awardee_name",
	"area_of_delivery",
	"business_category",
	"contract_amount",
	"award_date",
}

const (
	allTimeFile     = "facts_awards_all_time.parquet"
	floodFile       = "facts_awards_flood_control.parquet"
	rollupPrefix    = "agg_"
	parquetExt      = ".parquet"
	yearFilePattern = `^facts_awards_(\d{4})\.parquet$`
)

var yearFileRe = regexp.MustCompile(yearFilePattern)

// Catalog discovers and validates the parquet partitions of the dataset.
// Discovery runs at startup and on demand; query paths read a snapshot under
// a read lock so a concurrent refresh never disturbs an in-flight scan.
type Catalog struct {
	dir string

	mu    sync.RWMutex
	parts []Partition
}

// NewCatalog scans dir once and returns the catalog. A missing or empty
// directory is an error: the service cannot answer anything without facts.
func NewCatalog(dir string) (*Catalog, error) {
	c := &Catalog{dir: dir}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	if len(c.FactPartitions(false)) == 0 {
		return nil, fmt.Errorf("catalog: no compatible facts partition under %s", dir)
	}
	return c, nil
}

// Refresh re-discovers partitions from disk. Unreadable or incompatible
// files are kept in the listing, flagged, and logged, so the health endpoint
// can surface them.
func (c *Catalog) Refresh() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("catalog: read data dir %s: %w", c.dir, err)
	}

	var parts []Partition
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, parquetExt) {
			continue
		}
		p := Partition{
			ID:   strings.TrimSuffix(name, parquetExt),
			Path: filepath.Join(c.dir, name),
		}
		switch {
		case name == floodFile:
			p.Role = RoleSupplementary
		case strings.HasPrefix(name, rollupPrefix):
			p.Role = RoleRollup
			p.Dimension = strings.TrimSuffix(strings.TrimPrefix(name, rollupPrefix), parquetExt)
		case name == allTimeFile || yearFileRe.MatchString(name):
			p.Role = RolePrimary
		default:
			continue
		}

		if info, err := entry.Info(); err == nil {
			p.ModTime = info.ModTime()
		}
		c.inspect(&p)
		parts = append(parts, p)
	}

	// Deterministic order keeps the export scan sequence stable across
	// refreshes.
	sort.Slice(parts, func(i, j int) bool { return parts[i].ID < parts[j].ID })

	c.mu.Lock()
	c.parts = parts
	c.mu.Unlock()
	return nil
}

// inspect opens the file, verifies the schema and records the row count.
func (c *Catalog) inspect(p *Partition) {
	f, err := os.Open(p.Path)
	if err != nil {
		slog.Warn("catalog: open partition failed", "path", p.Path, "error", err)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		slog.Warn("catalog: stat partition failed", "path", p.Path, "error", err)
		return
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		slog.Warn("catalog: unreadable partition", "path", p.Path, "error", err)
		return
	}
	p.Rows = pf.NumRows()

	if p.Role == RoleRollup {
		p.Compatible = true
		return
	}

	cols := make(map[string]struct{})
	for _, field := range pf.Schema().Fields() {
		cols[field.Name()] = struct{}{}
	}
	for _, want := range requiredFactColumns {
		if _, ok := cols[want]; !ok {
			slog.Warn("catalog: partition missing column", "partition", p.ID, "column", want)
			return
		}
	}
	p.Compatible = true
}

// FactPartitions returns the compatible facts partitions to scan, in
// deterministic order. The all-time consolidated file is preferred; when it
// is absent or incompatible the per-year files serve as fallback. The
// supplementary dataset is appended only on request.
func (c *Catalog) FactPartitions(includeSupplementary bool) []Partition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var allTime *Partition
	var years, out []Partition
	for i := range c.parts {
		p := c.parts[i]
		if !p.Compatible {
			continue
		}
		switch p.Role {
		case RolePrimary:
			if p.ID+parquetExt == allTimeFile {
				allTime = &c.parts[i]
			} else {
				years = append(years, p)
			}
		case RoleSupplementary:
			if includeSupplementary {
				out = append(out, p)
			}
		}
	}
	if allTime != nil {
		out = append([]Partition{*allTime}, out...)
	} else {
		out = append(years, out...)
	}
	return out
}

// Rollup returns the precomputed aggregate partition for a dimension.
func (c *Catalog) Rollup(dimension string) (Partition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.parts {
		if p.Role == RoleRollup && p.Compatible && p.Dimension == dimension {
			return p, true
		}
	}
	return Partition{}, false
}

// Snapshot lists every discovered partition, including flagged ones.
func (c *Catalog) Snapshot() []Partition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Partition, len(c.parts))
	copy(out, c.parts)
	return out
}
