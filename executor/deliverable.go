package executor

import (
	"errors"
	"regexp"
	"strings"
)

// DeclineSentinel is the deliverable the brain emits when it cannot safely
// produce recipient-facing text.
const DeclineSentinel = "NONE"

var (
	// ErrMissingDeliverable means the response had no deliverable block.
	ErrMissingDeliverable = errors.New("response has no <deliverable> block")
	// ErrEmptyDeliverable means the deliverable block was blank.
	ErrEmptyDeliverable = errors.New("deliverable is empty")
	// ErrDeclined means the brain declined to produce a deliverable.
	ErrDeclined = errors.New("brain declined to produce a deliverable")
)

var deliverableRE = regexp.MustCompile(`(?s)<deliverable>(.*?)</deliverable>`)

// Response is a brain response split into its two parts.
type Response struct {
	// Work is everything outside the deliverable block.
	Work string
	// Deliverable is the trimmed contents of the first deliverable block.
	Deliverable string
	// Found reports whether a deliverable block was present.
	Found bool
}

// ParseResponse splits text into work narration and deliverable. Only the
// first deliverable block counts; later ones stay in the work text.
func ParseResponse(text string) Response {
	loc := deliverableRE.FindStringSubmatchIndex(text)
	if loc == nil {
		return Response{Work: strings.TrimSpace(text)}
	}
	return Response{
		Work:        strings.TrimSpace(text[:loc[0]] + text[loc[1]:]),
		Deliverable: strings.TrimSpace(text[loc[2]:loc[3]]),
		Found:       true,
	}
}

// Validate checks that the response carries a usable deliverable.
func (r Response) Validate() error {
	switch {
	case !r.Found:
		return ErrMissingDeliverable
	case r.Deliverable == "":
		return ErrEmptyDeliverable
	case r.Deliverable == DeclineSentinel:
		return ErrDeclined
	}
	return nil
}
