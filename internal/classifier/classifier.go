package classifier

import (
	"math"
	"net/mail"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"job-app-tracker-go/internal/model"
)

// Input is the extracted content of one message.
type Input struct {
	Subject string
	// Headers are keyed by lower-case header name.
	Headers  map[string]string
	Snippet  string
	BodyText *string
}

// Rules names the rule that produced each field of a ParsedEvent.
type Rules struct {
	Source    string `json:"source"`
	Status    string `json:"status"`
	EventType string `json:"event_type"`
	Company   string `json:"company,omitempty"`
	Role      string `json:"role,omitempty"`
}

// ParsedEvent is the classification of one message. Company and Role are
// nil when no pattern matched.
type ParsedEvent struct {
	Company    *string
	Role       *string
	Source     string
	Status     model.Status
	EventType  string
	EventDate  time.Time
	Confidence float64
	Rules      Rules
}

// Classifier derives a ParsedEvent from message content. Now is only used
// when the message carries no usable date.
type Classifier struct {
	Now func() time.Time
}

// New returns a Classifier using the wall clock.
func New() *Classifier {
	return &Classifier{Now: time.Now}
}

// Classify classifies in with the wall clock.
func Classify(in Input) ParsedEvent {
	return New().Classify(in)
}

// Classify never fails; fields it cannot derive fall back to defaults.
func (c *Classifier) Classify(in Input) ParsedEvent {
	body := ""
	if in.BodyText != nil {
		body = *in.BodyText
	}
	content := strings.ToLower(joinNormalized(in.Subject, in.Snippet, body))

	ev := ParsedEvent{}
	ev.Source, ev.Rules.Source = detectSource(in.Headers)

	var statusMatched bool
	ev.Status, ev.Rules.Status, statusMatched = detectStatus(content)
	ev.EventType, ev.Rules.EventType = decideEventType(ev.Status, content)
	ev.EventDate = c.eventDate(in.Headers)

	rest := joinNormalized(in.Snippet, body)
	if company, rule := extractCompany(in.Subject, header(in.Headers, "from"), rest); company != "" {
		ev.Company = &company
		ev.Rules.Company = rule
	}
	if role, rule := extractRole(in.Subject, rest); role != "" {
		ev.Role = &role
		ev.Rules.Role = rule
	}

	ev.Confidence = Confidence(ev.Source, statusMatched, ev.Role != nil, ev.Company != nil)

	logrus.WithFields(logrus.Fields{
		"source":     ev.Source,
		"status":     ev.Status,
		"event_type": ev.EventType,
		"confidence": ev.Confidence,
		"rules":      ev.Rules,
	}).Debug("Classified message")

	return ev
}

// Confidence scores a classification: a base of 0.30 plus 0.25 for a
// catalogued source, 0.25 for a status keyword hit and 0.10 each for a role
// and a company, capped at 1 and rounded to two decimals.
func Confidence(source string, statusMatched, hasRole, hasCompany bool) float64 {
	score := 0.30
	if isCatalogued(source) {
		score += 0.25
	}
	if statusMatched {
		score += 0.25
	}
	if hasRole {
		score += 0.10
	}
	if hasCompany {
		score += 0.10
	}
	if score > 1 {
		score = 1
	}
	return math.Round(score*100) / 100
}

var domainPattern = regexp.MustCompile(`(?i)([a-z0-9.-]+\.[a-z]{2,})`)

func detectSource(headers map[string]string) (string, string) {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	seen := map[string]bool{}
	var domains []string
	for _, name := range names {
		for _, d := range domainPattern.FindAllString(headers[name], -1) {
			d = strings.ToLower(d)
			if !seen[d] {
				seen[d] = true
				domains = append(domains, d)
			}
		}
	}

	for _, src := range atsCatalogue {
		for _, d := range domains {
			if src.matches(d) {
				return src.Name, "ats:" + d
			}
		}
	}

	for _, name := range []string{"from", "return-path", "sender"} {
		v := header(headers, name)
		if v == "" {
			continue
		}
		if d := domainPattern.FindString(v); d != "" {
			return strings.ToLower(d), "sender-domain:" + name
		}
		break
	}
	return SourceGeneric, "default"
}

func detectStatus(content string) (model.Status, string, bool) {
	for _, rule := range statusRules {
		for _, kw := range rule.Keywords {
			if strings.Contains(content, kw) {
				return rule.Status, "keyword:" + kw, true
			}
		}
	}
	return defaultStatus, "default", false
}

func decideEventType(status model.Status, content string) (string, string) {
	for _, o := range eventOverrides {
		if o.matches(content) {
			return o.EventType, "override:" + o.Name
		}
	}
	return defaultEventForStatus[status], "status-default"
}

var (
	receivedDatePattern = regexp.MustCompile(`[A-Z][a-z]{2},? \d{1,2} [A-Z][a-z]{2} \d{4} \d{2}:\d{2}:\d{2} [+-]\d{4}`)

	dateLayouts = []string{
		time.RFC1123Z,
		time.RFC1123,
		time.RFC3339,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon 2 Jan 2006 15:04:05 -0700",
		"2 Jan 2006 15:04:05 -0700",
	}
)

func (c *Classifier) eventDate(headers map[string]string) time.Time {
	if t, ok := parseDate(header(headers, "date")); ok {
		return t
	}

	if received := header(headers, "received"); received != "" {
		// the timestamp of a Received trace field comes last
		matches := receivedDatePattern.FindAllString(received, -1)
		if len(matches) > 0 {
			if t, ok := parseDate(matches[len(matches)-1]); ok {
				return t
			}
		}
	}

	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func parseDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if t, err := mail.ParseDate(v); err == nil {
		return t, true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// joinNormalized collapses whitespace in each part and joins the non-empty ones.
func joinNormalized(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = normalizeSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
