package consolidate

import (
	"regexp"
	"strings"

	"github.com/vesper-ai/vesper/internal/model"
)

// Lightweight extraction over conversation text. This is deliberately
// regex-only: consolidation runs nightly over small batches and must not
// depend on a model being reachable.

var (
	// preferenceRe captures "I prefer X", "we like X", "I now want X", etc.
	// Up to two adverbs may sit between subject and verb. The object is cut
	// at sentence punctuation.
	preferenceRe = regexp.MustCompile(`(?i)\b(?:i|we|user|they)\s+(?:(?:now|really|actually|currently|just|also|still)\s+){0,2}(prefer|like|want|favor)s?\s+([^.,;!?\n]{3,80})`)

	// shiftRe marks preference statements phrased as replacing an earlier
	// one rather than stating a first one.
	shiftRe = regexp.MustCompile(`(?i)\b(now|actually|instead|currently|these days|switched|changed my mind)\b`)

	// properNounRe finds capitalized tokens that are not sentence starts.
	properNounRe = regexp.MustCompile(`(?:^|[^.!?]\s)([A-Z][A-Za-z0-9_-]{2,}(?:\s[A-Z][A-Za-z0-9_-]{2,})*)`)

	// positiveFeedbackRe flags records worth mining for skills.
	positiveFeedbackRe = regexp.MustCompile(`(?i)\b(that worked|worked well|perfect|great job|exactly right|solved it|thanks,? that)\b`)
)

// commonCapitalized filters capitalized words that are almost never entity
// names in conversational text.
var commonCapitalized = map[string]bool{
	"The": true, "This": true, "That": true, "What": true, "When": true,
	"Where": true, "How": true, "Why": true, "And": true, "But": true,
	"Monday": true, "Tuesday": true, "Wednesday": true, "Thursday": true,
	"Friday": true, "Saturday": true, "Sunday": true, "Yes": true, "Yeah": true,
}

// extractedPreference is one "prefer|like|want|favor" hit.
type extractedPreference struct {
	Verb  string
	Value string
	Shift bool
}

// extractEntityNames returns candidate entity names from a record: the
// conversation's own key_entities when present, else capitalized spans from
// the text.
func extractEntityNames(rec model.Conversation) []string {
	if len(rec.KeyEntities) > 0 {
		return dedupeNames(rec.KeyEntities)
	}

	var names []string
	for _, m := range properNounRe.FindAllStringSubmatch(rec.FullText, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" || commonCapitalized[name] {
			continue
		}
		names = append(names, name)
	}
	return dedupeNames(names)
}

func dedupeNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		key := strings.ToLower(n)
		if n == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}

// extractPreferences returns preference statements found in the text.
func extractPreferences(text string) []extractedPreference {
	var out []extractedPreference
	seen := make(map[string]bool)
	for _, idx := range preferenceRe.FindAllStringSubmatchIndex(text, -1) {
		verb := strings.ToLower(text[idx[2]:idx[3]])
		value := strings.TrimSpace(text[idx[4]:idx[5]])
		key := strings.ToLower(value)
		if value == "" || seen[key] {
			continue
		}
		seen[key] = true

		// Shift markers can sit just before the subject ("Actually I
		// prefer...") or between subject and verb ("I now prefer...").
		winStart := idx[0] - 30
		if winStart < 0 {
			winStart = 0
		}
		out = append(out, extractedPreference{
			Verb:  verb,
			Value: value,
			Shift: shiftRe.MatchString(text[winStart:idx[4]]),
		})
	}
	return out
}

// extractedFact is one property assertion tied to a named entity.
type extractedFact struct {
	EntityName string
	Property   string
	Value      string
}

// extractFacts finds simple assertions about known entities. Patterns are
// narrow on purpose: a missed fact is recoverable, a junk fact pollutes the
// graph and trips the conflict detector.
func extractFacts(text string, entityNames []string) []extractedFact {
	var out []extractedFact
	for _, name := range entityNames {
		quoted := regexp.QuoteMeta(name)

		locRe := regexp.MustCompile(`(?i)\b` + quoted + `\s+(?:is|lives|moved|is\s+now)\s+(?:in|to)\s+([A-Za-z][A-Za-z ]{1,40})`)
		for _, m := range locRe.FindAllStringSubmatch(text, -1) {
			out = append(out, extractedFact{
				EntityName: name,
				Property:   "location",
				Value:      strings.TrimSpace(m[1]),
			})
		}

		roleRe := regexp.MustCompile(`(?i)\b` + quoted + `\s+is\s+(?:a|an|the)\s+([a-z][a-z ]{2,40})`)
		for _, m := range roleRe.FindAllStringSubmatch(text, -1) {
			out = append(out, extractedFact{
				EntityName: name,
				Property:   "role",
				Value:      strings.TrimSpace(m[1]),
			})
		}
	}
	return out
}

// relationVerbs maps connecting phrases between two co-mentioned entity
// names to a typed edge.
var relationVerbs = []struct {
	re  *regexp.Regexp
	typ string
}{
	{regexp.MustCompile(`(?i)\b(?:uses|using|built on|runs on|depends on)\b`), "uses"},
	{regexp.MustCompile(`(?i)\b(?:stands for|short for|expands to)\b`), "expands_to"},
	{regexp.MustCompile(`(?i)\b(?:works on|working on|leads|owns)\b`), "works_on"},
	{regexp.MustCompile(`(?i)\b(?:works with|pairing with|pairs with|integrates with)\b`), "works_with"},
	{regexp.MustCompile(`(?i)\b(?:part of|belongs to)\b`), "part_of"},
}

// relationFor inspects the text between two co-mentioned entity names and
// returns the edge type, plus whether the stored direction reverses the
// (a, b) mention order. The gap never crosses a sentence boundary; with no
// recognizable verb the pair stays a plain related_to edge.
func relationFor(text, a, b string) (relType string, reversed bool) {
	if typ, ok := connectingVerb(text, a, b); ok {
		return typ, false
	}
	if typ, ok := connectingVerb(text, b, a); ok {
		return typ, true
	}
	return "related_to", false
}

func connectingVerb(text, first, second string) (string, bool) {
	gapRe := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(first) + `\b([^.!?\n]{1,60}?)\b` + regexp.QuoteMeta(second) + `\b`)
	m := gapRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	for _, rv := range relationVerbs {
		if rv.re.MatchString(m[1]) {
			return rv.typ, true
		}
	}
	return "", false
}

// preferenceEntityName keys a preference to its head noun, so "dark roast
// coffee" and "light roast coffee" land on the same entity and shifting
// between them is detectable.
func preferenceEntityName(value string) string {
	fields := strings.Fields(strings.ToLower(value))
	if len(fields) == 0 {
		return "preference"
	}
	return "prefers " + fields[len(fields)-1]
}

// hasPositiveFeedback reports whether a record looks like a successful
// interaction worth mining for a reusable skill.
func hasPositiveFeedback(rec model.Conversation) bool {
	return positiveFeedbackRe.MatchString(rec.FullText)
}

// skillNameFromTopic turns a topic tag into a stable skill name.
func skillNameFromTopic(topic string) string {
	name := strings.ToLower(strings.TrimSpace(topic))
	name = strings.Join(strings.Fields(name), "-")
	return name
}
