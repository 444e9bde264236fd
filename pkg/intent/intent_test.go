package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_CanonicalTokens(t *testing.T) {
	res := Normalize("Add a bug to the work queue")

	assert.Equal(t, []string{"bug", "create", "workqueue"}, res.Tokens)
	assert.Equal(t, "create", res.LeadVerb)
	assert.Equal(t, []string{"bug", "workqueue"}, res.Entities)
	assert.False(t, res.HadURL)
	assert.False(t, res.Fallback)
	assert.Len(t, res.Short, ShortLength)
	assert.Len(t, res.Fingerprint, 64)
	assert.Equal(t, res.Fingerprint[:ShortLength], res.Short)

	again := Normalize("Add a bug to the work queue")
	assert.Equal(t, res.Fingerprint, again.Fingerprint)
	assert.Equal(t, res.Short, again.Short)
}

func TestNormalize_OrderAndSynonymIndependence(t *testing.T) {
	a := Normalize("add an issue to WQ!")
	b := Normalize("Work queue: make new bug")
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
}

func TestNormalize_URL(t *testing.T) {
	res := Normalize("save https://example.com/post?id=1 for later")
	assert.True(t, res.HadURL)
	assert.True(t, res.HasToken(URLToken))
	assert.Equal(t, "save", res.LeadVerb)
	assert.NotContains(t, res.Tokens, "example")
	assert.NotContains(t, res.Tokens, "com")
}

func TestNormalize_Fallback(t *testing.T) {
	empty := Normalize("")
	assert.True(t, empty.Fallback)
	assert.Empty(t, empty.Tokens)
	assert.Len(t, empty.Short, ShortLength)

	stop := Normalize("  The THE  ")
	assert.True(t, stop.Fallback)
	assert.Equal(t, Normalize("the the").Fingerprint, stop.Fingerprint)
	assert.NotEqual(t, empty.Fingerprint, stop.Fingerprint)
}

func TestNormalize_LeadVerbIsFirstVerb(t *testing.T) {
	res := Normalize("please find and delete the old notes")
	assert.Equal(t, "find", res.LeadVerb)
	assert.Contains(t, res.Tokens, "delete")
	assert.Contains(t, res.Tokens, "note")
}

func TestNormalize_EntityPhrases(t *testing.T) {
	res := Normalize("remind me about my to do list")
	assert.Contains(t, res.Entities, "task")
	assert.Equal(t, "schedule", res.LeadVerb)

	res = Normalize("bugs issues defects")
	assert.Equal(t, []string{"bug"}, res.Tokens)
}

func TestSimilarity(t *testing.T) {
	// Jaccard 2/4 = 0.5 with a shared lead verb.
	a := Result{Tokens: []string{"a", "b", "c"}, LeadVerb: "create", Fingerprint: "1"}
	b := Result{Tokens: []string{"b", "c", "d"}, LeadVerb: "create", Fingerprint: "2"}
	assert.InDelta(t, 0.75, Similarity(a, b), 1e-9)

	b.LeadVerb = "find"
	assert.InDelta(t, 0.5, Similarity(a, b), 1e-9)

	b.LeadVerb = ""
	a.LeadVerb = ""
	assert.InDelta(t, 0.5, Similarity(a, b), 1e-9)

	same := Result{Tokens: []string{"a"}, LeadVerb: "create"}
	assert.Equal(t, 1.0, Similarity(same, same), "clamped to 1")
}

func TestSimilarity_EmptyTokenSets(t *testing.T) {
	assert.Equal(t, 1.0, Similarity(Normalize("the"), Normalize("the")))
	assert.Equal(t, 0.0, Similarity(Normalize("the"), Normalize("a")))
}

func TestSameIntent(t *testing.T) {
	a := Result{Tokens: []string{"a", "b", "c"}, LeadVerb: "create", Fingerprint: "1"}
	b := Result{Tokens: []string{"b", "c", "d"}, LeadVerb: "create", Fingerprint: "2"}
	assert.True(t, SameIntent(a, b, 0.7), "verb bonus crosses the threshold")

	b.LeadVerb = "find"
	assert.False(t, SameIntent(a, b, 0.7))

	assert.True(t, SameIntent(Normalize("log a bug"), Normalize("record a bug"), 0))
}

func TestKeywords(t *testing.T) {
	res := Normalize("save https://x.io article about golang")
	require.True(t, res.HadURL)
	assert.Equal(t, []string{"article", "golang"}, res.Keywords())
}
