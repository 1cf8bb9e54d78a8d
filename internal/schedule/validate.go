package schedule

import (
	"fmt"
	"strings"

	openapi_types "github.com/oapi-codegen/runtime/types"
)

type ValidationErrorItem struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError rejects a configuration before it is persisted.
type ValidationError struct {
	Errors []ValidationErrorItem `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", item.Path, item.Message))
	}
	return "invalid schedule: " + strings.Join(parts, "; ")
}

// Validate checks cfg. mailConfigured reports whether an outbound mail
// relay exists; an enabled schedule delivers by email and needs one.
func Validate(cfg Config, mailConfigured bool) *ValidationError {
	errs := make([]ValidationErrorItem, 0)
	switch cfg.Frequency {
	case Daily, Weekly:
	default:
		errs = append(errs, ValidationErrorItem{Code: "SCHED-001", Path: "frequency", Message: "frequency must be daily or weekly"})
	}
	if cfg.HourUTC < 0 || cfg.HourUTC > 23 {
		errs = append(errs, ValidationErrorItem{Code: "SCHED-002", Path: "hourUtc", Message: "hour must be between 0 and 23"})
	}
	if cfg.MinuteUTC < 0 || cfg.MinuteUTC > 59 {
		errs = append(errs, ValidationErrorItem{Code: "SCHED-003", Path: "minuteUtc", Message: "minute must be between 0 and 59"})
	}
	if cfg.WeekdayUTC < 0 || cfg.WeekdayUTC > 6 {
		errs = append(errs, ValidationErrorItem{Code: "SCHED-004", Path: "weekdayUtc", Message: "weekday must be between 0 (Monday) and 6 (Sunday)"})
	}
	recipient := strings.TrimSpace(cfg.RecipientEmail)
	if recipient != "" {
		if _, err := openapi_types.Email(recipient).MarshalJSON(); err != nil {
			errs = append(errs, ValidationErrorItem{Code: "SCHED-005", Path: "recipientEmail", Message: "recipient is not a valid email address"})
		}
	}
	if cfg.Enabled {
		if recipient == "" {
			errs = append(errs, ValidationErrorItem{Code: "SCHED-006", Path: "recipientEmail", Message: "recipient email is required to enable the schedule"})
		}
		if !mailConfigured {
			errs = append(errs, ValidationErrorItem{Code: "SCHED-007", Path: "enabled", Message: "SMTP is not configured"})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}
