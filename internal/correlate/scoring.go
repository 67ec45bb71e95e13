// Package correlate links a classified activity to the open task it most
// likely belongs to, using token-overlap scoring over the cached task
// snapshot. Scoring is deterministic and local; no network calls.
package correlate

import (
	"sort"
	"strings"
	"unicode"

	"github.com/trackerd/trackerd/internal/models"
)

// SimilarityFloor is the minimum score for a match to count. Below it the
// event stays unmatched rather than being pinned to a wrong task.
const SimilarityFloor = 0.30

// Weights for the composite score. Title overlap dominates; description
// overlap refines; shared distinctive keywords add a capped bonus.
const (
	titleWeight       = 0.5
	descriptionWeight = 0.2
	keywordBonusMax   = 0.3
)

// stopwords are tokens too common to carry matching signal.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {},
	"this": {}, "that": {}, "are": {}, "was": {}, "will": {},
	"not": {}, "you": {}, "your": {}, "has": {}, "have": {},
	"new": {}, "all": {}, "can": {}, "its": {}, "into": {},
}

// normalize lowercases and strips everything but letters and digits,
// keeping spaces as token separators.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return b.String()
}

// tokenize splits normalized text into a set of significant tokens.
func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(normalize(s)) {
		if len(tok) < 3 {
			continue
		}
		if _, skip := stopwords[tok]; skip {
			continue
		}
		tokens[tok] = struct{}{}
	}
	return tokens
}

// jaccard is intersection over union of two token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// keywordBonus rewards distinctive task-title tokens appearing verbatim in
// the activity text, scaled by how many of them appear.
func keywordBonus(activityTokens, titleTokens map[string]struct{}) float64 {
	if len(titleTokens) == 0 {
		return 0
	}
	hits := 0
	for tok := range titleTokens {
		if _, ok := activityTokens[tok]; ok {
			hits++
		}
	}
	return keywordBonusMax * float64(hits) / float64(len(titleTokens))
}

// Score rates how well an activity description fits one task.
func Score(activity string, task models.TaskRecord) float64 {
	activityTokens := tokenize(activity)
	titleTokens := tokenize(task.Title)
	descTokens := tokenize(task.Description)

	score := titleWeight*jaccard(activityTokens, titleTokens) +
		descriptionWeight*jaccard(activityTokens, descTokens) +
		keywordBonus(activityTokens, titleTokens)

	if score > 1 {
		score = 1
	}
	return score
}

// BestMatch scores the activity against every task and returns the winner
// with its score, or nil when nothing clears the floor. Ties go to the most
// recently updated task.
func BestMatch(activity string, tasks []models.TaskRecord) (*models.TaskRef, float64) {
	if strings.TrimSpace(activity) == "" || len(tasks) == 0 {
		return nil, 0
	}

	type scored struct {
		task  models.TaskRecord
		score float64
	}
	candidates := make([]scored, 0, len(tasks))
	for _, task := range tasks {
		if s := Score(activity, task); s >= SimilarityFloor {
			candidates = append(candidates, scored{task: task, score: s})
		}
	}
	if len(candidates) == 0 {
		return nil, 0
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].task.UpdatedAt.After(candidates[j].task.UpdatedAt)
	})

	best := candidates[0]
	return &models.TaskRef{ID: best.task.ID, Title: best.task.Title}, best.score
}
