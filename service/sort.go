package service

import (
	"strings"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

// SortField names a canonical sortable column.
type SortField int

const (
	SortByAmount SortField = iota
	SortByAwardDate
	SortByAwardeeName
	SortByOrganization
	SortByArea
	SortByCategory
	SortByTitle
	SortByReferenceID
)

// SortSpec is a validated sort request. Numeric fields compare as floats,
// everything else lexically.
type SortSpec struct {
	Field      SortField
	Descending bool
	Numeric    bool
}

// sortAliases maps every accepted external sort name, including legacy
// synonyms still sent by older frontends, onto a canonical field.
var sortAliases = map[string]SortField{
	"contract_amount":       SortByAmount,
	"contract_value":        SortByAmount,
	"award_amount":          SortByAmount,
	"total_contract_amount": SortByAmount,
	"award_date":            SortByAwardDate,
	"created_at":            SortByAwardDate,
	"awardee_name":          SortByAwardeeName,
	"organization_name":     SortByOrganization,
	"area_of_delivery":      SortByArea,
	"business_category":     SortByCategory,
	"award_title":           SortByTitle,
	"notice_title":          SortByTitle,
	"reference_id":          SortByReferenceID,
	"contract_no":           SortByReferenceID,
}

// ValidateSort resolves the requested sort column against the allowlist.
// Unknown columns are rejected; an unknown direction falls back to
// descending rather than failing the request.
func ValidateSort(sortBy, direction string) (SortSpec, error) {
	key := strings.ToLower(strings.TrimSpace(sortBy))
	if key == "" {
		key = "award_date"
	}
	field, ok := sortAliases[key]
	if !ok {
		return SortSpec{}, validationError("invalid_sort_field", "unsupported sort field %q", sortBy)
	}
	spec := SortSpec{Field: field, Numeric: field == SortByAmount}
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "asc", "ascending":
		spec.Descending = false
	default:
		spec.Descending = true
	}
	return spec, nil
}

// sortKey extracts the comparable string value for lexical sorts.
func sortKey(r *model.ContractRecord, field SortField) string {
	switch field {
	case SortByAwardDate:
		return r.AwardDate
	case SortByAwardeeName:
		return r.AwardeeName
	case SortByOrganization:
		return r.OrganizationName
	case SortByArea:
		return r.AreaOfDelivery
	case SortByCategory:
		return r.BusinessCategory
	case SortByTitle:
		return r.AwardTitle
	case SortByReferenceID:
		return r.ReferenceID
	}
	return ""
}

// Less orders two records under this spec. Ties break on reference ID so
// that paging over equal keys stays deterministic.
func (s SortSpec) Less(a, b *model.ContractRecord) bool {
	if s.Numeric {
		if a.ContractAmount != b.ContractAmount {
			if s.Descending {
				return a.ContractAmount > b.ContractAmount
			}
			return a.ContractAmount < b.ContractAmount
		}
	} else {
		ka, kb := sortKey(a, s.Field), sortKey(b, s.Field)
		if ka != kb {
			if s.Descending {
				return ka > kb
			}
			return ka < kb
		}
	}
	return a.ReferenceID < b.ReferenceID
}
