package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"chatd/pkg/convkey"
	"chatd/pkg/models"
)

// Limits bounds incoming payload fields. Values are set once at startup
// from the effective config.
type Limits struct {
	MaxBodyBytes      int
	MaxParticipantLen int
}

var limits = Limits{
	MaxBodyBytes:      64 * 1024,
	MaxParticipantLen: 128,
}

// SetLimits replaces the active limits.
func SetLimits(l Limits) {
	if l.MaxBodyBytes > 0 {
		limits.MaxBodyBytes = l.MaxBodyBytes
	}
	if l.MaxParticipantLen > 0 {
		limits.MaxParticipantLen = l.MaxParticipantLen
	}
}

// MaxBodyBytes returns the active message body limit.
func MaxBodyBytes() int { return limits.MaxBodyBytes }

// ValidateParticipantID checks an externally asserted participant id.
// The separator is reserved for conversation keys; control characters
// would corrupt store keys and log lines.
func ValidateParticipantID(id string) error {
	if id == "" {
		return errors.New("participant id is required")
	}
	if len(id) > limits.MaxParticipantLen {
		return fmt.Errorf("participant id exceeds %d bytes", limits.MaxParticipantLen)
	}
	if strings.Contains(id, convkey.Separator) {
		return fmt.Errorf("participant id must not contain %q", convkey.Separator)
	}
	for _, r := range id {
		if unicode.IsControl(r) || r == ':' {
			return errors.New("participant id contains invalid characters")
		}
	}
	return nil
}

// ValidateBody checks a message body.
func ValidateBody(body string) error {
	if body == "" {
		return errors.New("body is required")
	}
	if len(body) > limits.MaxBodyBytes {
		return fmt.Errorf("body exceeds %d bytes", limits.MaxBodyBytes)
	}
	return nil
}

// ValidateMessage checks a fully assembled message before it enters the
// pipeline.
func ValidateMessage(m models.Message) error {
	var errs []string
	if _, _, err := convkey.Split(m.ConversationKey); err != nil {
		errs = append(errs, "invalid conversation key")
	}
	if err := ValidateParticipantID(m.SenderID); err != nil {
		errs = append(errs, err.Error())
	}
	if err := ValidateBody(m.Body); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
