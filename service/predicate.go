package service

import (
	"strings"
	"time"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

// Predicate is a boolean filter over canonical contract records. Predicates
// are pure and safe to evaluate concurrently from many scan workers.
type Predicate interface {
	Match(r *model.ContractRecord) bool
}

// MatchField names a canonical column targeted by a substring term.
type MatchField int

const (
	FieldAwardee MatchField = iota
	FieldArea
	FieldOrganization
	FieldCategory
	FieldSearchText
)

// AndNode matches when every child matches. An empty AndNode matches all.
type AndNode struct {
	Children []Predicate
}

func (n *AndNode) Match(r *model.ContractRecord) bool {
	for _, c := range n.Children {
		if !c.Match(r) {
			return false
		}
	}
	return true
}

// OrNode matches when any child matches.
type OrNode struct {
	Children []Predicate
}

func (n *OrNode) Match(r *model.ContractRecord) bool {
	for _, c := range n.Children {
		if c.Match(r) {
			return true
		}
	}
	return false
}

// SubstringMatch is a case-insensitive substring test against one column.
// Absent values (the organization column may be missing entirely) read as
// empty strings and simply never match a non-empty term.
type SubstringMatch struct {
	Field MatchField
	Term  string // stored lowercase
}

func (m *SubstringMatch) Match(r *model.ContractRecord) bool {
	var v string
	switch m.Field {
	case FieldAwardee:
		v = r.AwardeeName
	case FieldArea:
		v = r.AreaOfDelivery
	case FieldOrganization:
		v = r.OrganizationName
	case FieldCategory:
		v = r.BusinessCategory
	case FieldSearchText:
		v = r.SearchText
	}
	return strings.Contains(strings.ToLower(v), m.Term)
}

// NumericRange bounds the contract amount. Either bound may be nil.
type NumericRange struct {
	Min *float64
	Max *float64
}

func (m *NumericRange) Match(r *model.ContractRecord) bool {
	if m.Min != nil && r.ContractAmount < *m.Min {
		return false
	}
	if m.Max != nil && r.ContractAmount > *m.Max {
		return false
	}
	return true
}

// DateRange matches award dates within [Start, End] inclusive. Records with
// blank or unparseable dates never match.
type DateRange struct {
	Start time.Time
	End   time.Time
}

func (m *DateRange) Match(r *model.ContractRecord) bool {
	t, ok := model.ParseAwardDate(r.AwardDate)
	if !ok {
		return false
	}
	return !t.Before(m.Start) && !t.After(m.End)
}

// YearMatch matches records awarded in a single calendar year.
type YearMatch struct {
	Year int
}

func (m *YearMatch) Match(r *model.ContractRecord) bool {
	t, ok := model.ParseAwardDate(r.AwardDate)
	return ok && t.Year() == m.Year
}

// QuarterMatch matches one calendar quarter of one year (Q1 = Jan-Mar).
type QuarterMatch struct {
	Year    int
	Quarter int
}

func (m *QuarterMatch) Match(r *model.ContractRecord) bool {
	t, ok := model.ParseAwardDate(r.AwardDate)
	if !ok || t.Year() != m.Year {
		return false
	}
	firstMonth := time.Month(3*m.Quarter - 2)
	return t.Month() >= firstMonth && t.Month() <= firstMonth+2
}

// matchAll is the empty constraint.
type matchAll struct{}

func (matchAll) Match(*model.ContractRecord) bool { return true }

// MatchAll returns the predicate that accepts every record.
func MatchAll() Predicate { return matchAll{} }

// IsMatchAll reports whether pred imposes no constraint, which lets callers
// pick precomputed-rollup fast paths.
func IsMatchAll(pred Predicate) bool {
	switch p := pred.(type) {
	case matchAll:
		return true
	case *AndNode:
		return len(p.Children) == 0
	}
	return false
}

// Frontend placeholder chips meaning "no constraint" for a dimension.
var allPlaceholders = map[string]struct{}{
	"all contractors":         {},
	"all areas":               {},
	"all organizations":       {},
	"all business categories": {},
	"all categories":          {},
}

// splitAndTerms splits a chip on the literal "&&" token, trimming sub-terms
// and dropping empty ones.
func splitAndTerms(chip string) []string {
	parts := strings.Split(chip, "&&")
	terms := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

// chipBlock compiles one dimension's chip list: AND within a chip, OR across
// chips. Returns nil when the list imposes no constraint.
func chipBlock(chips []string, field MatchField) Predicate {
	var ors []Predicate
	for _, chip := range chips {
		chip = strings.TrimSpace(chip)
		if chip == "" {
			continue
		}
		if _, isPlaceholder := allPlaceholders[strings.ToLower(chip)]; isPlaceholder {
			continue
		}
		terms := splitAndTerms(chip)
		if len(terms) == 0 {
			continue
		}
		ands := make([]Predicate, 0, len(terms))
		for _, term := range terms {
			ands = append(ands, &SubstringMatch{Field: field, Term: strings.ToLower(term)})
		}
		if len(ands) == 1 {
			ors = append(ors, ands[0])
		} else {
			ors = append(ors, &AndNode{Children: ands})
		}
	}
	if len(ors) == 0 {
		return nil
	}
	if len(ors) == 1 {
		return ors[0]
	}
	return &OrNode{Children: ors}
}

// timeBlock compiles the OR of all valid time-range entries. Malformed
// entries are skipped rather than failing the request; if none are valid the
// block imposes no constraint.
func timeBlock(ranges []model.TimeRange) Predicate {
	var ors []Predicate
	for _, tr := range ranges {
		switch tr.Type {
		case "yearly":
			if tr.Year > 0 {
				ors = append(ors, &YearMatch{Year: tr.Year})
			}
		case "quarterly":
			if tr.Year > 0 && tr.Quarter >= 1 && tr.Quarter <= 4 {
				ors = append(ors, &QuarterMatch{Year: tr.Year, Quarter: tr.Quarter})
			}
		case "custom":
			start, okStart := model.ParseAwardDate(tr.StartDate)
			end, okEnd := model.ParseAwardDate(tr.EndDate)
			if okStart && okEnd && !start.After(end) {
				ors = append(ors, &DateRange{Start: start, End: end})
			}
		}
	}
	if len(ors) == 0 {
		return nil
	}
	if len(ors) == 1 {
		return ors[0]
	}
	return &OrNode{Children: ors}
}

// CompileFilter turns a filter request into a predicate tree: dimensions,
// keywords, time ranges, and the value range AND'd together. Blank chip
// lists contribute nothing; an entirely empty request compiles to MatchAll.
func CompileFilter(req *model.FilterRequest) Predicate {
	if req == nil {
		return MatchAll()
	}

	var ands []Predicate
	appendBlock := func(p Predicate) {
		if p != nil {
			ands = append(ands, p)
		}
	}

	appendBlock(chipBlock(req.Keywords, FieldSearchText))
	appendBlock(chipBlock(req.Contractors, FieldAwardee))
	appendBlock(chipBlock(req.Areas, FieldArea))
	appendBlock(chipBlock(req.Organizations, FieldOrganization))
	appendBlock(chipBlock(req.BusinessCategories, FieldCategory))
	appendBlock(timeBlock(req.TimeRanges))

	if vr := req.ValueRange; vr != nil && (vr.Min != nil || vr.Max != nil) {
		ands = append(ands, &NumericRange{Min: vr.Min, Max: vr.Max})
	}

	if len(ands) == 0 {
		return MatchAll()
	}
	if len(ands) == 1 {
		return ands[0]
	}
	return &AndNode{Children: ands}
}
