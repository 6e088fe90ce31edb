// Package moderation detects and masks restricted content before it is
// persisted, and records the audit trail for every substitution.
package moderation

import (
	"regexp"
	"strings"
)

const (
	ReasonEmailMasked = "Email address detected and masked"
	ReasonPhoneMasked = "Phone number detected and masked"

	ActionMasked = "masked"

	ContextCommunity   = "community"
	ContextPrivateChat = "private_chat"
)

var emailPattern = regexp.MustCompile(`([A-Za-z0-9._%+-]+)@([A-Za-z0-9.-]+\.[A-Za-z]{2,})`)

// phoneCandidate finds maximal runs of digits with optional spacing or
// hyphens and an optional leading plus. Whether a run is actually masked
// depends on its digit count; see maskPhones.
var phoneCandidate = regexp.MustCompile(`\+?\d(?:[\s-]?\d)*`)

// Result is the outcome of one masking pass over a piece of text.
type Result struct {
	Text   string
	Masked bool
	Reason string
}

// Mask sanitizes text in two ordered passes: email addresses first, phone
// numbers second. Each pass that changes the text contributes its reason.
// The output is a fixed point: masking already-masked text is a no-op.
func Mask(text string) Result {
	var reasons []string

	afterEmail := maskEmails(text)
	if afterEmail != text {
		reasons = append(reasons, ReasonEmailMasked)
	}

	afterPhone := maskPhones(afterEmail)
	if afterPhone != afterEmail {
		reasons = append(reasons, ReasonPhoneMasked)
	}

	return Result{
		Text:   afterPhone,
		Masked: afterPhone != text,
		Reason: strings.Join(reasons, "; "),
	}
}

// maskEmails keeps the first character of the local part and the full domain:
// "priya.k@example.com" becomes "p******@example.com".
func maskEmails(text string) string {
	return emailPattern.ReplaceAllStringFunc(text, func(match string) string {
		at := strings.Index(match, "@")
		local := match[:at]
		domain := match[at+1:]
		stars := len(local) - 1
		if stars < 2 {
			stars = 2
		}
		return local[:1] + strings.Repeat("*", stars) + "@" + domain
	})
}

// maskPhones replaces digit runs that plausibly form a phone number, i.e. a
// 10 to 12 digit subscriber number with up to a 3 digit country code, with
// "***-***-" plus the last four digits. Runs outside that range, such as a
// short code or a long account number, are left alone.
func maskPhones(text string) string {
	return phoneCandidate.ReplaceAllStringFunc(text, func(match string) string {
		digits := countDigits(match)
		if digits < 10 || digits > 15 {
			return match
		}
		return "***-***-" + lastDigits(match, 4)
	})
}

func countDigits(s string) int {
	count := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			count++
		}
	}
	return count
}

func lastDigits(s string, n int) string {
	collected := make([]byte, 0, n)
	for i := len(s) - 1; i >= 0 && len(collected) < n; i-- {
		if s[i] >= '0' && s[i] <= '9' {
			collected = append(collected, s[i])
		}
	}
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return string(collected)
}
