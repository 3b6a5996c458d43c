package api

import (
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/letterpressd/letterpress/internal/recurrence"
)

func (h *Handler) validateCreateSchedule(req CreateScheduleRequest, now time.Time) (anchor time.Time, err error) {
	if req.Rule == "" {
		return time.Time{}, fmt.Errorf("recurrence_rule is required")
	}
	if len(req.Payload) == 0 {
		return time.Time{}, fmt.Errorf("payload is required")
	}

	anchor = now
	if req.Anchor != "" {
		anchor, err = time.Parse(time.RFC3339, req.Anchor)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid anchor: %w", err)
		}
	}

	if _, err := h.rules.Parse(req.Rule, req.Timezone, anchor); err != nil {
		var invalid *recurrence.InvalidRuleError
		if errors.As(err, &invalid) {
			return time.Time{}, invalid
		}
		return time.Time{}, fmt.Errorf("invalid recurrence_rule: %w", err)
	}

	if req.Recipient != "" {
		if err := validateRecipient(req.Recipient); err != nil {
			return time.Time{}, fmt.Errorf("invalid recipient: %w", err)
		}
	}

	return anchor, nil
}

func validateGenerate(req GenerateRequest) error {
	if len(req.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if req.Recipient != "" {
		if err := validateRecipient(req.Recipient); err != nil {
			return fmt.Errorf("invalid recipient: %w", err)
		}
	}
	return nil
}

func validateRecipient(addr string) error {
	_, err := mail.ParseAddress(addr)
	return err
}
