package routing

import "strings"

// slotCatalog maps slot names the decision stage may report missing to the
// clarification phrasing shown to the user. Detection is the model's job;
// the catalog only words the follow-up question.
var slotCatalog = map[string]string{
	"location": "Which location do you mean?",
	"keyword":  "What should I search for?",
	"date":     "Which date do you have in mind?",
	"time":     "What time should that be?",
	"url":      "Which link should I use?",
	"email":    "Which email address should I use?",
	"title":    "What should it be called?",
	"duration": "How long should it be?",
	"amount":   "How much exactly?",
	"person":   "Who do you mean?",
}

// ClarificationFor composes one question covering every missing slot.
// Catalog slots use their phrasing; unknown slots get a generic question
// that still names the slot.
func ClarificationFor(missingSlots []string) string {
	var questions []string
	for _, slot := range missingSlots {
		name := strings.ToLower(strings.TrimSpace(slot))
		if name == "" {
			continue
		}
		if phrase, ok := slotCatalog[name]; ok {
			questions = append(questions, phrase)
		} else {
			questions = append(questions, "Could you tell me the "+name+"?")
		}
	}
	if len(questions) == 0 {
		return "Could you give me a bit more detail?"
	}
	return strings.Join(questions, " ")
}
