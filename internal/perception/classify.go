package perception

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"crewplan/internal/config"
)

// ErrorKind classifies why an attempt did not produce usable output.
type ErrorKind string

const (
	KindOK             ErrorKind = "ok"
	KindEmptyResponse  ErrorKind = "empty_response"
	KindContentBlocked ErrorKind = "content_blocked"
	KindTruncated      ErrorKind = "truncated"
	KindRateLimited    ErrorKind = "rate_limited"
	KindTransport      ErrorKind = "transport_error"
	KindMalformed      ErrorKind = "malformed_response"
	KindConfiguration  ErrorKind = "configuration_error"
)

// Block kinds carried by KindContentBlocked outcomes.
const (
	BlockRecitation = "recitation"
	BlockSafety     = "safety"
)

// Outcome is the classified result of one provider call.
type Outcome struct {
	Kind       ErrorKind
	Text       string
	BlockKind  string
	RetryAfter time.Duration
	Err        error
}

var (
	rateLimitText = regexp.MustCompile(`(?i)quota|too many requests|resource.?exhausted|\brate(?:[ _-]?limit\w*)?\b`)

	retryDelayProto  = regexp.MustCompile(`retry_delay\s*\{\s*seconds:\s*(\d+)`)
	retryDelayJSON   = regexp.MustCompile(`"?retryDelay"?\s*[:=]\s*"?(\d+(?:\.\d+)?)s`)
	retryAfterHeader = regexp.MustCompile(`(?i)retry-after:?\s*(\d+)`)
)

// Classify maps a provider reply or error onto the retry taxonomy.
func Classify(reply Reply, err error) Outcome {
	if err != nil {
		return classifyError(err)
	}

	if br := strings.ToUpper(strings.TrimSpace(reply.BlockReason)); br != "" && br != "BLOCKED_REASON_UNSPECIFIED" {
		return Outcome{Kind: KindContentBlocked, BlockKind: BlockSafety, Text: reply.Text}
	}

	switch normalizeFinishReason(reply.FinishReason) {
	case "RECITATION":
		return Outcome{Kind: KindContentBlocked, BlockKind: BlockRecitation, Text: reply.Text}
	case "SAFETY":
		return Outcome{Kind: KindContentBlocked, BlockKind: BlockSafety, Text: reply.Text}
	case "MAX_TOKENS":
		return Outcome{Kind: KindTruncated, Text: reply.Text}
	}

	if strings.TrimSpace(reply.Text) == "" {
		return Outcome{Kind: KindEmptyResponse}
	}
	return Outcome{Kind: KindOK, Text: reply.Text}
}

// normalizeFinishReason folds numeric codes and provider aliases into three
// canonical names. Anything else is returned upper-cased.
func normalizeFinishReason(reason string) string {
	r := strings.ToUpper(strings.TrimSpace(reason))
	r = strings.TrimPrefix(r, "FINISH_REASON_")
	switch r {
	case "2", "RECITATION":
		return "RECITATION"
	case "3", "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII", "CONTENT_FILTER", "IMAGE_SAFETY":
		return "SAFETY"
	case "4", "MAX_TOKENS", "LENGTH":
		return "MAX_TOKENS"
	}
	return r
}

func classifyError(err error) Outcome {
	if errors.Is(err, config.ErrMissingCredential) {
		return Outcome{Kind: KindConfiguration, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: KindTransport, Err: err}
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.StatusCode == http.StatusTooManyRequests || rateLimitText.MatchString(pe.Message) || rateLimitText.MatchString(pe.Status) {
			delay := pe.RetryAfter
			if delay == 0 {
				delay, _ = ParseRetryDelay(pe.Message)
			}
			return Outcome{Kind: KindRateLimited, RetryAfter: delay, Err: err}
		}
		return Outcome{Kind: KindTransport, Err: err}
	}

	msg := err.Error()
	if rateLimitText.MatchString(msg) {
		delay, _ := ParseRetryDelay(msg)
		return Outcome{Kind: KindRateLimited, RetryAfter: delay, Err: err}
	}
	return Outcome{Kind: KindTransport, Err: err}
}

// ParseRetryDelay extracts a server-suggested delay from an error payload.
// It understands `retry_delay { seconds: N }`, `"retryDelay": "Ns"` and a
// Retry-After header rendered into the text.
func ParseRetryDelay(text string) (time.Duration, bool) {
	if m := retryDelayProto.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return time.Duration(n) * time.Second, true
		}
	}
	if m := retryDelayJSON.FindStringSubmatch(text); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			return time.Duration(f * float64(time.Second)), true
		}
	}
	if m := retryAfterHeader.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return time.Duration(n) * time.Second, true
		}
	}
	return 0, false
}

// parseRetryAfterHeader reads a Retry-After header in delta-seconds or HTTP-date form.
func parseRetryAfterHeader(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
