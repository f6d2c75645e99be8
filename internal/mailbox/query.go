package mailbox

import (
	"fmt"
	"strings"

	"job-app-tracker-go/internal/classifier"
)

// SearchKeywords are the subject/body terms a candidate message must contain.
var SearchKeywords = []string{"application", "interview", "assessment", "offer", "regret", "rejection"}

// Query builds the Gmail search predicate: a recency window, the keyword
// set and an allow-list of ATS sender domains.
func Query(newerThanDays int) string {
	if newerThanDays <= 0 {
		newerThanDays = 30
	}

	domains := classifier.CatalogueDomains()
	from := make([]string, 0, len(domains))
	for _, d := range domains {
		from = append(from, "from:"+d)
	}

	return fmt.Sprintf("newer_than:%dd (%s) AND (%s)",
		newerThanDays,
		strings.Join(SearchKeywords, " OR "),
		strings.Join(from, " OR "))
}
