package metrics

import "strings"

// BomRow is one bill-of-materials line as the table tools emit it.
type BomRow struct {
	ID          string  `json:"id"`
	ItemNumber  string  `json:"item_number,omitempty"`
	ExternalRef string  `json:"external_ref,omitempty"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit,omitempty"`
}

func (r BomRow) description() string {
	d := strings.TrimSpace(r.Description)
	if d == "" {
		d = strings.TrimSpace(r.Name)
	}
	return d
}

func rowEdited(a, b BomRow) bool {
	if a.ItemNumber != b.ItemNumber {
		return true
	}
	if a.ExternalRef != b.ExternalRef {
		return true
	}
	if a.description() != b.description() {
		return true
	}
	if a.Quantity != b.Quantity {
		return true
	}
	if strings.TrimSpace(a.Unit) != strings.TrimSpace(b.Unit) {
		return true
	}
	return false
}

// CountEdits computes the edit delta between the originally extracted rows and
// the user-edited state for one save action.
//
// Rows present in both sets (matched by id) count as edited when any compared
// field differs; rows present in only one set (added or removed) count as one
// edited row each. totalRows is max(len(original), len(edited)), the
// denominator for an extraction-accuracy ratio.
func CountEdits(original, edited []BomRow) (editedRows, totalRows int) {
	orig := make(map[string]BomRow, len(original))
	for _, r := range original {
		orig[r.ID] = r
	}

	seen := make(map[string]bool, len(edited))
	for _, r := range edited {
		seen[r.ID] = true
		o, ok := orig[r.ID]
		if !ok {
			editedRows++ // added row
			continue
		}
		if rowEdited(o, r) {
			editedRows++
		}
	}
	for id := range orig {
		if !seen[id] {
			editedRows++ // removed row
		}
	}

	totalRows = len(original)
	if len(edited) > totalRows {
		totalRows = len(edited)
	}
	return editedRows, totalRows
}
