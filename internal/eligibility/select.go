package eligibility

import (
	"github.com/talgya/villagelife/internal/catalog"
	"github.com/talgya/villagelife/internal/resources"
)

// Selection is the concrete type chosen for one requirement.
type Selection struct {
	Requirement catalog.Requirement `json:"requirement"`
	Type        resources.Type      `json:"type"`
	Quantity    float64             `json:"quantity"`
	Quality     float64             `json:"quality"` // quality held when selected
	Tool        bool                `json:"tool,omitempty"`
}

// Claim converts the selection into a ledger claim.
func (s Selection) Claim() resources.Claim {
	return resources.Claim{
		Type:       s.Type,
		Quantity:   s.Quantity,
		MinQuality: s.Requirement.MinQuality,
		Consumed:   s.Requirement.Consumed,
		Tool:       s.Tool,
	}
}

// Claims converts selections into ledger claims.
func Claims(sel []Selection) []resources.Claim {
	out := make([]resources.Claim, len(sel))
	for i, s := range sel {
		out[i] = s.Claim()
	}
	return out
}

// Select picks a type for every resource and tool requirement, trying the
// primary type first and then each alternative. Demand accumulates across
// requirements, so two requirements cannot both be met by the same units.
// Tools with no stated quantity need one unit.
func Select(t *catalog.Template, h Holdings) ([]Selection, []Blocker) {
	if h == nil {
		h = noHoldings{}
	}
	used := map[resources.Type]float64{}
	var sel []Selection
	var blockers []Blocker

	pick := func(r catalog.Requirement, tool bool) {
		need := r.Quantity
		if tool && need <= 0 {
			need = 1
		}
		if need < 0 {
			need = 0
		}
		var firstQty, firstQ float64
		for i, c := range r.Candidates() {
			qty, q := h.Available(c)
			qty -= used[c]
			if i == 0 {
				firstQty, firstQ = qty, q
			}
			if qty+epsilon >= need && q+epsilon >= r.MinQuality {
				used[c] += need
				sel = append(sel, Selection{Requirement: r, Type: c, Quantity: need, Quality: q, Tool: tool})
				return
			}
		}
		reason := InsufficientRes
		if tool {
			reason = ToolMissing
		}
		blockers = append(blockers, Blocker{
			Reason: reason, Subject: string(r.Type),
			Detail: shortage(need, maxf(firstQty, 0), r.MinQuality, firstQ),
		})
	}

	for _, r := range t.Resources {
		pick(r, false)
	}
	for _, r := range t.Tools {
		pick(r, true)
	}
	return sel, blockers
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
