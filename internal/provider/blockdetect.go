package provider

import "strings"

// challengeSignatures are substrings that mark an anti-automation
// challenge page in a provider failure payload.
var challengeSignatures = []string{
	"checking your browser",
	"enable javascript",
	"please enable cookies",
	"access denied",
	"403 forbidden",
	"just a moment",
	"cloudflare",
	"attention required",
	"bot detected",
	"unusual traffic",
}

// looksBlocked reports whether a provider response indicates the target
// page refused the measurement agent. Status codes 403 and 451 are
// treated as blocking outright; otherwise the failure text is matched
// against known challenge-page signatures.
func looksBlocked(statusCode int, body string) bool {
	if statusCode == 403 || statusCode == 451 {
		return true
	}

	lower := strings.ToLower(body)
	for _, sig := range challengeSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
