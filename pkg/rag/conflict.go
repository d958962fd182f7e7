package rag

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// antonymPairs trigger a contradiction check when two facts land on
// opposite sides of a pair.
var antonymPairs = [][2]string{
	{"increase", "decrease"},
	{"increased", "decreased"},
	{"growth", "decline"},
	{"up", "down"},
	{"profit", "loss"},
	{"rose", "fell"},
	{"above", "below"},
	{"approved", "rejected"},
}

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// resolveConflicts runs the pairwise contradiction check over the
// selected facts. When two facts conflict, the lower-trust fact is
// dropped and a note describing the resolution is returned.
func resolveConflicts(facts []Fact, numericDelta float64) ([]Fact, string) {
	dropped := map[int]bool{}
	var notes []string

	for i := 0; i < len(facts); i++ {
		if dropped[i] {
			continue
		}
		for j := i + 1; j < len(facts); j++ {
			if dropped[j] {
				continue
			}
			reason, ok := contradicts(facts[i], facts[j], numericDelta)
			if !ok {
				continue
			}
			loser := j
			if facts[j].Trust > facts[i].Trust {
				loser = i
			}
			dropped[loser] = true
			notes = append(notes, fmt.Sprintf(
				"dropped %s (%s), kept higher-trust source", facts[loser].SourceID, reason))
			if loser == i {
				break
			}
		}
	}

	if len(dropped) == 0 {
		return facts, ""
	}
	kept := make([]Fact, 0, len(facts)-len(dropped))
	for i, f := range facts {
		if !dropped[i] {
			kept = append(kept, f)
		}
	}
	return kept, strings.Join(notes, "; ")
}

// contradicts reports whether two facts disagree: either an antonym
// pair split across them, or shared context with numbers diverging by
// more than numericDelta.
func contradicts(a, b Fact, numericDelta float64) (string, bool) {
	na, nb := normalizeText(a.Text), normalizeText(b.Text)

	for _, pair := range antonymPairs {
		if hasWord(na, pair[0]) && hasWord(nb, pair[1]) && sharedWords(na, nb) >= 2 {
			return "antonym conflict " + pair[0] + "/" + pair[1], true
		}
		if hasWord(na, pair[1]) && hasWord(nb, pair[0]) && sharedWords(na, nb) >= 2 {
			return "antonym conflict " + pair[1] + "/" + pair[0], true
		}
	}

	if sharedWords(na, nb) >= 2 {
		da := numberRe.FindAllString(na, -1)
		db := numberRe.FindAllString(nb, -1)
		if len(da) > 0 && len(db) > 0 {
			va, erra := strconv.ParseFloat(da[0], 64)
			vb, errb := strconv.ParseFloat(db[0], 64)
			if erra == nil && errb == nil && va != vb {
				base := math.Max(math.Abs(va), math.Abs(vb))
				if base > 0 && math.Abs(va-vb)/base > numericDelta {
					return fmt.Sprintf("numeric disagreement %s vs %s", da[0], db[0]), true
				}
			}
		}
	}
	return "", false
}

func hasWord(text, word string) bool {
	for _, w := range strings.Fields(text) {
		if strings.Trim(w, ".,;:!?()") == word {
			return true
		}
	}
	return false
}

// sharedWords counts distinct significant words (len > 3, non-numeric)
// common to both texts.
func sharedWords(a, b string) int {
	seen := map[string]bool{}
	for _, w := range strings.Fields(a) {
		w = strings.Trim(w, ".,;:!?()")
		if len(w) > 3 && !numberRe.MatchString(w) {
			seen[w] = true
		}
	}
	count := 0
	counted := map[string]bool{}
	for _, w := range strings.Fields(b) {
		w = strings.Trim(w, ".,;:!?()")
		if seen[w] && !counted[w] {
			counted[w] = true
			count++
		}
	}
	return count
}
