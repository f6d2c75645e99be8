package model

import "fmt"

// Status is the lifecycle stage of a job application.
type Status string

const (
	StatusApplied     Status = "Applied"
	StatusInReview    Status = "InReview"
	StatusAssessment  Status = "Assessment"
	StatusPhoneScreen Status = "PhoneScreen"
	StatusInterview   Status = "Interview"
	StatusOnsite      Status = "Onsite"
	StatusOffer       Status = "Offer"
	StatusRejected    Status = "Rejected"
	StatusWithdrawn   Status = "Withdrawn"
	StatusGhosted     Status = "Ghosted"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusApplied,
	StatusInReview,
	StatusAssessment,
	StatusPhoneScreen,
	StatusInterview,
	StatusOnsite,
	StatusOffer,
	StatusRejected,
	StatusWithdrawn,
	StatusGhosted,
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// Event types recorded on ApplicationEvent.
const (
	EventApplicationSubmitted = "application_submitted"
	EventStatusUpdate         = "status_update"
	EventAssessmentAssigned   = "assessment_assigned"
	EventPhoneScreenScheduled = "phone_screen_scheduled"
	EventInterviewScheduled   = "interview_scheduled"
	EventOfferReceived        = "offer_received"
	EventRejection            = "rejection"
	EventWithdrawal           = "withdrawal"
)
