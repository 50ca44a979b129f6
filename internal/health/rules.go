package health

import "strings"

// Status is the oracle's verdict on an account's real-world standing.
type Status string

const (
	StatusActive  Status = "active"
	StatusLimited Status = "limited"
	StatusBanned  Status = "banned"
	StatusUnknown Status = "unknown"
)

// Rule maps reply phrasing to a verdict. Rules are evaluated in order and
// the first match wins, so more specific phrasings must come first.
type Rule struct {
	Patterns []string
	Result   Status
}

// DefaultRules covers the status bot's known reply variants. The table is
// data so new phrasings can be appended without touching the classifier.
//
// Geo-restriction notices describe recipient-side limits, not sanctions on
// the account, hence "active".
func DefaultRules() []Rule {
	return []Rule{
		{
			Patterns: []string{
				"can send messages to people from your country",
				"geographical restriction",
				"available to users from",
			},
			Result: StatusActive,
		},
		{
			Patterns: []string{
				"good news, no limits",
				"free as a bird",
				"no limits are currently applied",
			},
			Result: StatusActive,
		},
		{
			Patterns: []string{
				"account was blocked",
				"account is now permanently banned",
				"permanently banned",
				"account is frozen",
				"account has been frozen",
			},
			Result: StatusBanned,
		},
		{
			Patterns: []string{
				"account is limited until",
				"account is now limited until",
				"limitations will be lifted",
				"temporarily restricted",
			},
			Result: StatusLimited,
		},
		{
			Patterns: []string{
				"users reported",
				"moderators have confirmed",
				"anti-spam systems",
				"spam",
			},
			Result: StatusLimited,
		},
		{
			Patterns: []string{
				"submit a complaint",
				"under review",
				"pending verification",
				"verify your account",
			},
			Result: StatusLimited,
		},
	}
}

// ClassifyReply matches a status-bot reply against the rule table. An empty
// reply means the probe got nothing back and the account is presumed
// banned; any non-matching text defaults to active.
func ClassifyReply(reply string, rules []Rule) Status {
	if strings.TrimSpace(reply) == "" {
		return StatusBanned
	}
	lower := strings.ToLower(reply)
	for _, r := range rules {
		for _, p := range r.Patterns {
			if strings.Contains(lower, strings.ToLower(p)) {
				return r.Result
			}
		}
	}
	return StatusActive
}
