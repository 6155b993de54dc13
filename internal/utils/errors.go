package utils

import "fmt"

// AppError wraps an operation, a human-facing message, and the underlying
// error, together with the attribution identifiers needed to diagnose it.
type AppError struct {
	Op         string
	Msg        string
	JourneyKey string
	CampaignID string
	Err        error
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Msg)
	if e.JourneyKey != "" {
		msg += fmt.Sprintf(" (journey=%s)", e.JourneyKey)
	}
	if e.CampaignID != "" {
		msg += fmt.Sprintf(" (campaign=%s)", e.CampaignID)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError without identifier context.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// JourneyError constructs an AppError carrying a journey key.
func JourneyError(op, msg, journeyKey string, err error) error {
	return &AppError{Op: op, Msg: msg, JourneyKey: journeyKey, Err: err}
}

// CampaignError constructs an AppError carrying a campaign id.
func CampaignError(op, msg, campaignID string, err error) error {
	return &AppError{Op: op, Msg: msg, CampaignID: campaignID, Err: err}
}
