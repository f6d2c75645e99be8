package classifier

import (
	"strings"

	"job-app-tracker-go/internal/model"
)

// SourceGeneric labels messages whose sender could not be identified.
const SourceGeneric = "email"

// atsSource maps an applicant tracking system to the sender domains it mails from.
type atsSource struct {
	Name    string
	Domains []string
}

// Table order is the tie-break: the first source with a matching domain wins.
var atsCatalogue = []atsSource{
	{Name: "Greenhouse", Domains: []string{"greenhouse.io", "notifications.greenhouse.io"}},
	{Name: "Lever", Domains: []string{"lever.co", "jobs.lever.co"}},
	{Name: "Workday", Domains: []string{"workday.com", "myworkdayjobs.com"}},
	{Name: "Taleo", Domains: []string{"taleo.net", "oraclecloud.com"}},
	{Name: "Ashby", Domains: []string{"ashbyhq.com"}},
	{Name: "SmartRecruiters", Domains: []string{"smartrecruiters.com"}},
	{Name: "iCIMS", Domains: []string{"icims.com"}},
	{Name: "Jobvite", Domains: []string{"jobvite.com"}},
	{Name: "Workable", Domains: []string{"workable.com", "workablemail.com"}},
	{Name: "BreezyHR", Domains: []string{"breezy.hr"}},
	{Name: "BambooHR", Domains: []string{"bamboohr.com"}},
	{Name: "SuccessFactors", Domains: []string{"successfactors.com"}},
}

// matches reports whether domain is one of the source's domains or a subdomain of one.
func (s atsSource) matches(domain string) bool {
	for _, d := range s.Domains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

type statusRule struct {
	Status   model.Status
	Keywords []string
}

// Evaluated first match wins, so Applied beats Interview when both appear.
var statusRules = []statusRule{
	{Status: model.StatusApplied, Keywords: []string{
		"applied",
		"application received",
		"we received your application",
		"thanks for applying",
		"submission received",
		"received your application",
	}},
	{Status: model.StatusInReview, Keywords: []string{
		"under review",
		"reviewing your application",
		"considering your application",
		"shortlisted",
	}},
	{Status: model.StatusAssessment, Keywords: []string{
		"assessment",
		"take-home",
		"take home",
		"challenge",
		"coding challenge",
		"test",
	}},
	{Status: model.StatusPhoneScreen, Keywords: []string{"phone screen", "screening call", "recruiter call"}},
	{Status: model.StatusInterview, Keywords: []string{"interview scheduled", "interview", "technical interview", "panel interview"}},
	{Status: model.StatusOnsite, Keywords: []string{"onsite", "on-site", "on site"}},
	{Status: model.StatusOffer, Keywords: []string{"offer", "offer letter"}},
	{Status: model.StatusRejected, Keywords: []string{
		"unfortunately",
		"not moving forward",
		"not selected",
		"rejection",
		"declined",
		"we're moving forward with other candidates",
		"we are moving forward with other candidates",
	}},
	{Status: model.StatusWithdrawn, Keywords: []string{
		"withdrawn",
		"withdraw your application",
		"application withdrawn",
		"cancelled application",
	}},
	// a single message rarely proves silence
	{Status: model.StatusGhosted},
}

// defaultStatus is used when no keyword matches.
const defaultStatus = model.StatusInReview

var defaultEventForStatus = map[model.Status]string{
	model.StatusApplied:     model.EventApplicationSubmitted,
	model.StatusInReview:    model.EventStatusUpdate,
	model.StatusAssessment:  model.EventAssessmentAssigned,
	model.StatusPhoneScreen: model.EventPhoneScreenScheduled,
	model.StatusInterview:   model.EventInterviewScheduled,
	model.StatusOnsite:      model.EventInterviewScheduled,
	model.StatusOffer:       model.EventOfferReceived,
	model.StatusRejected:    model.EventRejection,
	model.StatusWithdrawn:   model.EventWithdrawal,
	model.StatusGhosted:     model.EventStatusUpdate,
}

// eventOverride fires when every phrase in All occurs in the content.
type eventOverride struct {
	Name      string
	All       []string
	EventType string
}

var eventOverrides = []eventOverride{
	{Name: "interview+scheduled", All: []string{"interview", "scheduled"}, EventType: model.EventInterviewScheduled},
	{Name: "assessment", All: []string{"assessment"}, EventType: model.EventAssessmentAssigned},
	{Name: "offer", All: []string{"offer"}, EventType: model.EventOfferReceived},
	{Name: "phone screen", All: []string{"phone screen"}, EventType: model.EventPhoneScreenScheduled},
}

func (o eventOverride) matches(content string) bool {
	for _, phrase := range o.All {
		if !strings.Contains(content, phrase) {
			return false
		}
	}
	return true
}

// Sources returns the catalogued ATS names in table order.
func Sources() []string {
	out := make([]string, 0, len(atsCatalogue))
	for _, s := range atsCatalogue {
		out = append(out, s.Name)
	}
	return out
}

// CatalogueDomains returns every catalogued sender domain in table order.
func CatalogueDomains() []string {
	var out []string
	for _, s := range atsCatalogue {
		out = append(out, s.Domains...)
	}
	return out
}

func isCatalogued(source string) bool {
	for _, s := range atsCatalogue {
		if s.Name == source {
			return true
		}
	}
	return false
}
