package dispatch

import (
	"errors"
	"fmt"
	"time"

	"wagate/internal/engine"
)

var (
	// ErrNotReady is returned before any send is attempted when the session
	// cannot deliver yet (or anymore).
	ErrNotReady = errors.New("session not ready")
	// ErrInvalidJob covers empty recipient lists and malformed media.
	ErrInvalidJob = errors.New("invalid dispatch job")
)

// Policy is the pacing contract for one job: how long to wait between
// individual sends, and the longer pause inserted at batch boundaries.
// The batch pause replaces the per-message delay, it is not added to it.
type Policy struct {
	PerMessageDelay time.Duration `json:"per_message_delay"`
	BatchSize       int           `json:"batch_size"`
	InterBatchDelay time.Duration `json:"inter_batch_delay"`
}

func (p Policy) normalized() Policy {
	if p.BatchSize < 1 {
		p.BatchSize = 1
	}
	if p.PerMessageDelay < 0 {
		p.PerMessageDelay = 0
	}
	if p.InterBatchDelay < 0 {
		p.InterBatchDelay = 0
	}
	return p
}

// Payload is the message body for every recipient of a job.
// When Media is set the payload is an attachment and Body is its caption;
// otherwise Body is the text message itself.
type Payload struct {
	Body  string
	Media *engine.Media
}

func (p Payload) validate() error {
	if p.Media == nil {
		return nil
	}
	if p.Media.MimeType == "" || p.Media.Filename == "" || len(p.Media.Data) == 0 {
		return fmt.Errorf("%w: media requires mime type, filename and data", ErrInvalidJob)
	}
	return nil
}

// Job is one bulk-send request. It is consumed synchronously by the engine
// and discarded after producing a Result.
type Job struct {
	ID         string
	Recipients []string
	Payload    Payload
	Policy     Policy
}

// Outcome is the result for one recipient.
type Outcome struct {
	Recipient engine.Address
	Sent      bool
	Reason    string
}

// Line renders the outcome as a human-readable status line.
func (o Outcome) Line() string {
	if o.Sent {
		return fmt.Sprintf("Message sent to %s", o.Recipient)
	}
	return fmt.Sprintf("Failed to send message to %s: %s", o.Recipient, o.Reason)
}

// Result holds one Outcome per recipient, in input order.
// len(Outcomes) always equals len(Job.Recipients).
type Result struct {
	JobID      string
	Outcomes   []Outcome
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r Result) SentCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Sent {
			n++
		}
	}
	return n
}

func (r Result) FailedCount() int { return len(r.Outcomes) - r.SentCount() }

// Lines returns one human-readable status line per recipient, in order.
func (r Result) Lines() []string {
	out := make([]string, len(r.Outcomes))
	for i, o := range r.Outcomes {
		out[i] = o.Line()
	}
	return out
}
