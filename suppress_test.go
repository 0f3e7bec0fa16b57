package edgelink

import "testing"

func TestSuppressionMap_ConsumeMatch(t *testing.T) {
	m := NewSuppressionMap()
	m.Record("t1", "oh!")

	if !m.Consume("t1", "oh!") {
		t.Fatal("want match on first consume")
	}
	// Consumed: a second identical bubble is not suppressed.
	if m.Consume("t1", "oh!") {
		t.Fatal("entry should be removed after consume")
	}
}

func TestSuppressionMap_NoMatch(t *testing.T) {
	m := NewSuppressionMap()
	m.Record("t1", "oh!")

	if m.Consume("t1", "different") {
		t.Error("text mismatch should not suppress")
	}
	if m.Consume("t2", "oh!") {
		t.Error("thread mismatch should not suppress")
	}
	// The mismatches above must not have consumed the entry.
	if !m.Consume("t1", "oh!") {
		t.Error("entry should survive non-matching lookups")
	}
}

func TestSuppressionMap_LatestWins(t *testing.T) {
	m := NewSuppressionMap()
	m.Record("t1", "first")
	m.Record("t1", "second")

	if m.Consume("t1", "first") {
		t.Error("overwritten entry should not suppress")
	}
	if !m.Consume("t1", "second") {
		t.Error("latest entry should suppress")
	}
}
