package autoreply

import (
	"strings"

	"post_scheduler/internal/model"
)

// Match checks whether a reply's text triggers the rule.
// "all" matches everything, "mention" requires @accountUsername in the text,
// "keyword" requires at least one configured keyword. Matching is
// case-insensitive. Unknown trigger types never match.
func Match(rule model.AutoReplyRule, accountUsername, text string) bool {
	lower := strings.ToLower(text)

	switch rule.TriggerType {
	case model.TriggerAll:
		return true
	case model.TriggerMention:
		if accountUsername == "" {
			return false
		}
		return strings.Contains(lower, "@"+strings.ToLower(accountUsername))
	case model.TriggerKeyword:
		for _, kw := range rule.TriggerKeywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

// Render substitutes the {username} placeholder of a response template.
func Render(template, username string) string {
	return strings.ReplaceAll(template, "{username}", username)
}
