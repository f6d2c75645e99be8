package classifier

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	displayNamePattern   = regexp.MustCompile(`^\s*"?([^"<]+?)"?\s*<`)
	genericSenderPattern = regexp.MustCompile(`(?i)noreply|no-reply|notifications|do\s*not\s*reply`)
	corporateSuffix      = regexp.MustCompile(`(?i)[,\s]+(?:inc\.?|llc\.?|ltd\.?|corp\.?|co\.?|company)$`)

	capitalized           = `[A-Z][A-Za-z0-9&'\-]*(?:\s+[A-Z][A-Za-z0-9&'\-]*){0,3}`
	prepositionCompany    = regexp.MustCompile(`\b(?:at|from|to)\s+(` + capitalized + `)\b`)
	leadingCapitalizedRun = regexp.MustCompile(`^(` + capitalized + `)\b`)
)

// extractCompany prefers the sender's display name, then a capitalised
// phrase after at/from/to, then the subject's leading capitalised words.
func extractCompany(subject, from, content string) (string, string) {
	if m := displayNamePattern.FindStringSubmatch(from); m != nil {
		name := strings.TrimSpace(m[1])
		if name != "" && !genericSenderPattern.MatchString(name) {
			if company := cleanCompany(name); company != "" {
				return company, "from-display-name"
			}
		}
	}

	subject = normalizeSpace(subject)
	if m := prepositionCompany.FindStringSubmatch(joinNormalized(subject, content)); m != nil {
		if company := cleanCompany(m[1]); company != "" {
			return company, "preposition-phrase"
		}
	}

	if m := leadingCapitalizedRun.FindStringSubmatch(subject); m != nil {
		if company := cleanCompany(m[1]); company != "" {
			return company, "subject-leading-words"
		}
	}
	return "", ""
}

// cleanCompany drops a trailing corporate suffix ("Acme Corp" becomes "Acme").
func cleanCompany(name string) string {
	name = normalizeSpace(name)
	if stripped := strings.TrimSpace(corporateSuffix.ReplaceAllString(name, "")); stripped != "" {
		name = stripped
	}
	return name
}

// Role patterns are tried in order against the subject, then the rest of
// the message.
var rolePatterns = []*regexp.Regexp{
	// "… — Backend Engineer role"
	regexp.MustCompile(`\s[—–-]\s*([A-Z][\w/&+ ]*?)\s+(?:role|position)\b`),
	// "for the role of …", "the position …"
	regexp.MustCompile(`(?i)\b(?:for|the)\s+(?:role|position|job)\s+(?:of\s+)?([^.,;\n]+)`),
	// "interest in the Backend Engineer role"
	regexp.MustCompile(`(?i)\b(?:for|in)\s+the\s+([^.,;\n]+?)\s+(?:role|position)\b`),
	// "application for the Backend Engineer position"
	regexp.MustCompile(`(?i)\bapplications?\s+for\s+(?:the\s+)?([^.,;\n]+?)\s+(?:role|position)\b`),
	// "Position: Backend Engineer"
	regexp.MustCompile(`(?i)\b(?:role|position|job)\s*[:\-–—]\s*([^.,;\n]+)`),
	// "application for Backend Engineer at Acme"
	regexp.MustCompile(`(?i)\bapplications?\s+for\s+([^.,;\n]+)`),
}

var roleFallback = regexp.MustCompile(`(?i)\bfor\s+([^.,;\n]+?)\s+at\s+`)

func extractRole(subject, content string) (string, string) {
	segments := []string{normalizeSpace(subject), content}

	for i, re := range rolePatterns {
		for _, seg := range segments {
			if m := re.FindStringSubmatch(seg); m != nil {
				if role := cleanRole(m[1]); role != "" {
					return role, fmt.Sprintf("pattern:%d", i+1)
				}
			}
		}
	}

	for _, seg := range segments {
		if m := roleFallback.FindStringSubmatch(seg); m != nil {
			if role := cleanRole(m[1]); role != "" {
				return role, "for-at-fallback"
			}
		}
	}
	return "", ""
}

var (
	roleAtCompany    = regexp.MustCompile(`(?i)\s+at\s+.*$`)
	roleTrailingNoun = regexp.MustCompile(`(?i)\s+(?:role|position|job)$`)
)

const maxRoleLength = 120

func cleanRole(raw string) string {
	role := strings.Trim(raw, " \t-–—")
	role = roleAtCompany.ReplaceAllString(role, "")
	role = roleTrailingNoun.ReplaceAllString(role, "")
	role = strings.Trim(role, " \t-–—")
	if len(role) > maxRoleLength {
		return ""
	}
	return role
}
