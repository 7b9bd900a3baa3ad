package model

import "time"

// Event is a Return Service activity as published by the backend.
//
// Date is a civil date ("2006-01-02"). TimeFrom / TimeTo are civil times of
// day, but the backend sends them either bare ("09:00:00") or embedded in a
// full timestamp ("2024-01-07 09:00:00"); consumers go through the status
// resolver, which accepts both.
type Event struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Date        string `json:"date"`
	TimeFrom    string `json:"time_from"`
	TimeTo      string `json:"time_to"`
	Location    string `json:"location"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`

	CategoryID string `json:"category_id,omitempty"`
	SchoolID   string `json:"school_id,omitempty"`
	BarangayID string `json:"barangay_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// EventStatus is the temporal status of an event relative to "now".
// It is always derived and never persisted.
type EventStatus int

const (
	StatusPrevious EventStatus = iota
	StatusOngoing
	StatusUpcoming
)

func (s EventStatus) String() string {
	switch s {
	case StatusOngoing:
		return "ongoing"
	case StatusUpcoming:
		return "upcoming"
	default:
		return "previous"
	}
}

// CaptureRecord is one Time-In or Time-Out proof.
type CaptureRecord struct {
	// Image is a data URI ("data:image/jpeg;base64,...").
	Image string `json:"image"`
	// Location is a reverse-geocoded address, a raw "lat, lon" string or
	// the LocationUnavailable placeholder.
	Location string `json:"location"`
	// CapturedAt is the civil capture time ("15:04:05") in the configured zone.
	CapturedAt string `json:"capturedTime"`
	UUID       string `json:"imageUuid"`
}

// LocationUnavailable is recorded when a capture carries no GPS data at all.
const LocationUnavailable = "Location not available"

// SubmissionCheck is the backend's answer to "does this scholar already have
// a submission for this event?".
type SubmissionCheck struct {
	HasSubmission bool           `json:"hasSubmission"`
	SubmissionID  string         `json:"submissionId,omitempty"`
	TimeIn        *CaptureRecord `json:"timeIn,omitempty"`
	TimeOut       *CaptureRecord `json:"timeOut,omitempty"`
}

// Draft is the client-held submission for one (event, scholar) pair while
// a submission session is active.
type Draft struct {
	EventID      string
	ScholarID    string
	SubmissionID string
	TimeIn       *CaptureRecord
	TimeOut      *CaptureRecord
	Description  string
}
