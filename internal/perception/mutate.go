package perception

import (
	"math"

	"github.com/google/uuid"
)

// newSessionToken returns a short random token for request mutation.
func newSessionToken() string {
	return uuid.NewString()[:8]
}

// mutateCall returns a copy of call with a session token appended to both the
// system instruction and the prompt. The original text is left intact so the
// instructions mean the same thing; only the payload bytes differ.
func mutateCall(call Call, token string) Call {
	out := call
	if out.SystemInstruction != "" {
		out.SystemInstruction += "\n\nSession: " + token
	}
	out.Prompt += "\n\n(request ref " + token + ")"
	return out
}

// growOutputCap raises the output cap after truncation, clamped to ceiling.
func growOutputCap(current, ceiling int) int {
	next := int(math.Ceil(float64(current) * truncationGrowth))
	if next <= current {
		next = current + 1
	}
	if ceiling > 0 && next > ceiling {
		next = ceiling
	}
	return next
}
