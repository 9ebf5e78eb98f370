package merge

import (
	"fmt"
	"strings"

	"github.com/knowkeep/knowkeep/internal/memory"
)

// Prompt sizing. The budget approximates the synthesis model's context
// allowance for the member list; per-entry content is truncated in stages
// until the rendered prompt fits.
const (
	promptByteBudget = 12000
	hardContentCap   = 200
)

var contentCaps = []int{0, 800, 400, hardContentCap} // 0 = full content

// renderPrompt lists the cluster members for the synthesis call, tightening
// per-entry truncation until the prompt fits the byte budget. The final cap
// always fits or we ship it anyway; losing tail content beats failing the
// merge.
func renderPrompt(members []*memory.Entry) string {
	var rendered string
	for _, limit := range contentCaps {
		rendered = renderWithCap(members, limit)
		if len(rendered) <= promptByteBudget {
			return rendered
		}
	}
	return rendered
}

func renderWithCap(members []*memory.Entry, contentCap int) string {
	var b strings.Builder
	b.WriteString("Synthesize ONE canonical knowledge entry from these overlapping entries.\n")
	b.WriteString("Preserve every distinct fact; prefer the most recent phrasing on conflicts.\n")
	b.WriteString("Respond with fields: content, subject, type, importance (1-10), expiry, tags, notes.\n\n")
	for i, m := range members {
		content := m.Content
		if contentCap > 0 && len(content) > contentCap {
			content = truncateUTF8(content, contentCap) + "…"
		}
		fmt.Fprintf(&b, "%d. [%s] subject=%q confirmations=%d created=%s\n%s\n\n",
			i+1, m.Type, m.Subject, m.Confirmations, m.CreatedAt.Format("2006-01-02"), content)
	}
	return b.String()
}

// truncateUTF8 cuts at a byte limit without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && s[limit]&0xC0 == 0x80 {
		limit--
	}
	return s[:limit]
}
