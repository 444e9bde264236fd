package intent

import "regexp"

type entityPattern struct {
	canonical string
	pattern   *regexp.Regexp
}

// entityPatterns run over the punctuation-free text, before stop words are
// removed, so phrases such as "to do" survive.
var entityPatterns = []entityPattern{
	{"workqueue", regexp.MustCompile(`\b(?:work queue|workqueue|wq)\b`)},
	{"task", regexp.MustCompile(`\b(?:to do|todos?|tasks?)\b`)},
	{"bug", regexp.MustCompile(`\b(?:bugs?|issues?|defects?)\b`)},
	{"note", regexp.MustCompile(`\bnotes?\b`)},
	{"meeting", regexp.MustCompile(`\bmeetings?\b`)},
	{"article", regexp.MustCompile(`\b(?:articles?|blog|blogs|post|posts)\b`)},
	{"email", regexp.MustCompile(`\b(?:emails?|inbox)\b`)},
	{"calendar", regexp.MustCompile(`\b(?:calendar|events?)\b`)},
	{"reminder", regexp.MustCompile(`\breminders?\b`)},
	{"idea", regexp.MustCompile(`\bideas?\b`)},
}

var verbSynonyms = map[string]string{
	"add":       "create",
	"make":      "create",
	"new":       "create",
	"create":    "create",
	"log":       "create",
	"record":    "create",
	"capture":   "create",
	"find":      "find",
	"search":    "find",
	"lookup":    "find",
	"look":      "find",
	"show":      "find",
	"list":      "find",
	"get":       "find",
	"update":    "update",
	"edit":      "update",
	"change":    "update",
	"modify":    "update",
	"remove":    "delete",
	"delete":    "delete",
	"drop":      "delete",
	"cancel":    "delete",
	"send":      "send",
	"share":     "send",
	"remind":    "schedule",
	"schedule":  "schedule",
	"plan":      "schedule",
	"summarize": "summarize",
	"summarise": "summarize",
	"recap":     "summarize",
	"digest":    "summarize",
	"save":      "save",
	"bookmark":  "save",
	"clip":      "save",
	"store":     "save",
}

var canonicalVerbs = func() map[string]struct{} {
	out := make(map[string]struct{})
	for _, v := range verbSynonyms {
		out[v] = struct{}{}
	}
	return out
}()

var stopWords = toSet(
	"a", "an", "the", "and", "or", "but", "if", "then", "else", "of", "at",
	"by", "for", "with", "about", "against", "between", "into", "through",
	"during", "before", "after", "above", "below", "to", "from", "up", "down",
	"in", "out", "on", "off", "over", "under", "again", "further", "once",
	"here", "there", "when", "where", "why", "how", "all", "any", "both",
	"each", "few", "more", "most", "other", "some", "such", "no", "nor", "not",
	"only", "own", "same", "so", "than", "too", "very", "can", "will", "just",
	"should", "now", "i", "me", "my", "myself", "we", "our", "ours", "you",
	"your", "yours", "he", "him", "his", "she", "her", "hers", "it", "its",
	"they", "them", "their", "what", "which", "who", "whom", "this", "that",
	"these", "those", "am", "is", "are", "was", "were", "be", "been", "being",
	"have", "has", "had", "do", "does", "did", "doing", "would", "could",
	"please", "pls", "thanks", "thank", "hey", "hi", "hello", "let", "lets",
	"s", "t", "d", "ll", "m", "re", "ve",
)

func toSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}
