package service

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

// FilterOptions computes the distinct non-blank values per dimension plus
// the award years present, across all partitions including the
// supplementary one. The supplementary dataset is always listed here so its
// values are discoverable before a request opts in.
func (e *Engine) FilterOptions(ctx context.Context) (*model.FilterOptions, error) {
	var mu sync.Mutex
	contractors := make(map[string]struct{})
	areas := make(map[string]struct{})
	orgs := make(map[string]struct{})
	categories := make(map[string]struct{})
	years := make(map[int]struct{})

	err := e.Scan(ctx, MatchAll(), true, func(batch []model.ContractRecord) error {
		mu.Lock()
		defer mu.Unlock()
		for i := range batch {
			r := &batch[i]
			addDistinct(contractors, r.AwardeeName)
			addDistinct(areas, r.AreaOfDelivery)
			addDistinct(orgs, r.OrganizationName)
			addDistinct(categories, r.BusinessCategory)
			if t, ok := model.ParseAwardDate(r.AwardDate); ok {
				years[t.Year()] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	opts := &model.FilterOptions{
		Contractors:        sortedKeys(contractors),
		Areas:              sortedKeys(areas),
		Organizations:      sortedKeys(orgs),
		BusinessCategories: sortedKeys(categories),
		Years:              sortedYears(years),
	}
	return opts, nil
}

func addDistinct(set map[string]struct{}, v string) {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, supplementarySentinel) {
		return
	}
	set[v] = struct{}{}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedYears(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for y := range set {
		out = append(out, y)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}
