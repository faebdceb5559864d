package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RunStatus kinds stored in sync_cursor_state.status_tag.
const (
	RunSuccess  = "success"
	RunPartial  = "success_partial"
	RunError    = "error"
	RunCooldown = "cooldown"
)

// RunStatus is the decoded form of the status tag column. Exactly one
// variant is meaningful per kind: PartialFailures for success_partial,
// Message for error, Code/Until for cooldown.
type RunStatus struct {
	Kind            string
	PartialFailures int
	Message         string
	Code            string
	Until           time.Time
}

func SuccessStatus() RunStatus { return RunStatus{Kind: RunSuccess} }

func PartialStatus(failures int) RunStatus {
	return RunStatus{Kind: RunPartial, PartialFailures: failures}
}

func ErrorStatus(msg string) RunStatus { return RunStatus{Kind: RunError, Message: msg} }

func CooldownStatus(code string, until time.Time) RunStatus {
	return RunStatus{Kind: RunCooldown, Code: code, Until: until}
}

// Successful reports whether the run left the tenant in a healthy state.
// A cooldown is an intentional pause, not a failure.
func (s RunStatus) Successful() bool {
	return s.Kind == RunSuccess || s.Kind == RunPartial || s.Kind == RunCooldown
}

// Encode renders the status into the single text column.
func (s RunStatus) Encode() string {
	switch s.Kind {
	case RunPartial:
		return fmt.Sprintf("%s:%d", RunPartial, s.PartialFailures)
	case RunError:
		return fmt.Sprintf("%s:%s", RunError, s.Message)
	case RunCooldown:
		return fmt.Sprintf("%s:%s:%s", RunCooldown, s.Code, s.Until.UTC().Format(time.RFC3339))
	default:
		return RunSuccess
	}
}

// DecodeRunStatus parses a status tag. Historical rows may hold plain
// free text; anything unrecognized decodes as an error status carrying
// the raw text so old rows still round-trip.
func DecodeRunStatus(tag string) RunStatus {
	switch {
	case tag == "" || tag == RunSuccess:
		return RunStatus{Kind: RunSuccess}
	case strings.HasPrefix(tag, RunPartial+":"):
		n, err := strconv.Atoi(strings.TrimPrefix(tag, RunPartial+":"))
		if err != nil {
			return RunStatus{Kind: RunPartial}
		}
		return RunStatus{Kind: RunPartial, PartialFailures: n}
	case strings.HasPrefix(tag, RunCooldown+":"):
		rest := strings.TrimPrefix(tag, RunCooldown+":")
		code, ts, ok := strings.Cut(rest, ":")
		if !ok {
			return RunStatus{Kind: RunError, Message: tag}
		}
		until, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return RunStatus{Kind: RunError, Message: tag}
		}
		return RunStatus{Kind: RunCooldown, Code: code, Until: until}
	case strings.HasPrefix(tag, RunError+":"):
		return RunStatus{Kind: RunError, Message: strings.TrimPrefix(tag, RunError+":")}
	default:
		return RunStatus{Kind: RunError, Message: tag}
	}
}

// CooldownUntil returns the active cooldown deadline encoded in the tag,
// or nil when the tag holds no cooldown.
func CooldownUntil(tag string) *time.Time {
	st := DecodeRunStatus(tag)
	if st.Kind != RunCooldown {
		return nil
	}
	u := st.Until
	return &u
}
