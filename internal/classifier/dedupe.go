package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeKeyPart canonicalises one dedupe key component: NFKC, case
// folded, whitespace collapsed.
func NormalizeKeyPart(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// DedupeKey derives the key that folds messages about one application into
// one record. raw is a JSON array of the normalised parts and hash is its
// hex SHA-256.
func DedupeKey(company, role, accountID string) (raw, hash string) {
	parts := []string{
		NormalizeKeyPart(company),
		NormalizeKeyPart(role),
		strings.TrimSpace(accountID),
	}
	b, _ := json.Marshal(parts)
	raw = string(b)
	sum := sha256.Sum256(b)
	return raw, hex.EncodeToString(sum[:])
}
