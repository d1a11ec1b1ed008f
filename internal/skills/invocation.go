package skills

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/vesper-ai/vesper/internal/model"
)

// Invocation is the outcome of detection over one query string.
type Invocation struct {
	IsInvocation   bool         `json:"is_invocation"`
	Skill          *model.Skill `json:"skill,omitempty"`
	Confidence     float32      `json:"confidence,omitempty"`
	MatchedTrigger string       `json:"matched_trigger,omitempty"`
	// Rule names which detection rule fired: explicit, trigger,
	// previous_reference, or id_reference.
	Rule string `json:"rule,omitempty"`
}

var (
	explicitRe = regexp.MustCompile(`(?i)\b(use|invoke|run|execute)\s+(skill\s+)?(.+)`)
	previousRe = regexp.MustCompile(`(?i)\b(like before|same as)\b`)
	idRefRe    = regexp.MustCompile(`skill_[a-z0-9]+`)
)

// DetectInvocation applies the detection rules in priority order and stops
// at the first hit.
func (l *Library) DetectInvocation(ctx context.Context, namespace, query string) (Invocation, error) {
	all, err := l.store.ListSkills(ctx, namespace, "")
	if err != nil {
		return Invocation{}, err
	}

	if inv, ok := detectExplicit(query, all); ok {
		return inv, nil
	}
	if inv, ok := detectTrigger(query, all); ok {
		return inv, nil
	}
	if inv, ok := detectPrevious(query, all); ok {
		return inv, nil
	}
	if inv, ok := detectIDReference(query, all); ok {
		return inv, nil
	}
	return Invocation{IsInvocation: false}, nil
}

// detectExplicit matches "use/invoke/run/execute [skill] <name>" against
// skill names.
func detectExplicit(query string, all []model.Skill) (Invocation, bool) {
	m := explicitRe.FindStringSubmatch(query)
	if m == nil {
		return Invocation{}, false
	}
	rest := strings.ToLower(strings.TrimSpace(m[3]))
	for i := range all {
		name := strings.ToLower(all[i].Name)
		if strings.Contains(rest, name) || strings.Contains(name, rest) {
			return Invocation{
				IsInvocation: true,
				Skill:        &all[i],
				Confidence:   0.95,
				Rule:         "explicit",
			}, true
		}
	}
	return Invocation{}, false
}

// detectTrigger fires when any skill trigger appears as a substring of the
// query. The longest matching trigger wins so "deploy to prod" beats
// "deploy".
func detectTrigger(query string, all []model.Skill) (Invocation, bool) {
	lower := strings.ToLower(query)
	var best *model.Skill
	var bestTrigger string
	for i := range all {
		for _, trig := range all[i].Triggers {
			t := strings.ToLower(strings.TrimSpace(trig))
			if t == "" || !strings.Contains(lower, t) {
				continue
			}
			if len(t) > len(bestTrigger) {
				best = &all[i]
				bestTrigger = t
			}
		}
	}
	if best == nil {
		return Invocation{}, false
	}
	return Invocation{
		IsInvocation:   true,
		Skill:          best,
		Confidence:     0.75,
		MatchedTrigger: bestTrigger,
		Rule:           "trigger",
	}, true
}

// detectPrevious resolves "like before" / "same as" to the most recently
// used skill, if any skill has been used at all.
func detectPrevious(query string, all []model.Skill) (Invocation, bool) {
	if !previousRe.MatchString(query) {
		return Invocation{}, false
	}
	used := make([]*model.Skill, 0, len(all))
	for i := range all {
		if all[i].LastUsed != nil {
			used = append(used, &all[i])
		}
	}
	if len(used) == 0 {
		return Invocation{}, false
	}
	sort.SliceStable(used, func(i, j int) bool {
		return used[i].LastUsed.After(*used[j].LastUsed)
	})
	return Invocation{
		IsInvocation: true,
		Skill:        used[0],
		Confidence:   0.80,
		Rule:         "previous_reference",
	}, true
}

// detectIDReference matches a literal skill_xxx token against skill ids.
func detectIDReference(query string, all []model.Skill) (Invocation, bool) {
	token := idRefRe.FindString(strings.ToLower(query))
	if token == "" {
		return Invocation{}, false
	}
	for i := range all {
		if strings.EqualFold(all[i].ID, token) {
			return Invocation{
				IsInvocation: true,
				Skill:        &all[i],
				Confidence:   1.0,
				Rule:         "id_reference",
			}, true
		}
	}
	return Invocation{}, false
}
