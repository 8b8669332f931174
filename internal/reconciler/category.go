package reconciler

import "strings"

// categoryKeywords is the closed, English+CJK keyword vocabulary used to
// infer a category when the planner does not supply one. The check order
// is fixed: study, meeting, health, travel, family, else general.
var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"study", []string{"class", "课程", "lecture", "school", "study"}},
	{"meeting", []string{"meeting", "会议", "sync", "review", "standup"}},
	{"health", []string{"gym", "workout", "exercise", "健身", "跑步"}},
	{"travel", []string{"travel", "trip", "flight", "出行", "航班"}},
	{"family", []string{"family", "home", "家庭", "父母"}},
}

// InferCategory joins category/summary/description/reason into one text
// and returns the first category, in vocabulary order, with a keyword
// anywhere in it; which field holds the keyword does not matter.
func InferCategory(explicitCategory, summary, description, reason string) string {
	text := strings.ToLower(strings.Join([]string{explicitCategory, summary, description, reason}, " "))
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				return entry.category
			}
		}
	}
	return "general"
}
