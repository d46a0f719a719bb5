package testutil

import "testing"

// Given, When and Then name subtests after scenario steps so a failing
// lifecycle walk reads as "Given a new upload/When .../Then ...".
func Given(t *testing.T, desc string, fn func(t *testing.T)) bool {
	t.Helper()
	return step(t, "Given", desc, fn)
}

func When(t *testing.T, desc string, fn func(t *testing.T)) bool {
	t.Helper()
	return step(t, "When", desc, fn)
}

func Then(t *testing.T, desc string, fn func(t *testing.T)) bool {
	t.Helper()
	return step(t, "Then", desc, fn)
}

// step stops the enclosing scenario once a step fails; later steps depend on
// the state earlier ones built.
func step(t *testing.T, keyword, desc string, fn func(t *testing.T)) bool {
	t.Helper()
	if t.Failed() {
		t.Skipf("%s %s: an earlier step failed", keyword, desc)
	}
	return t.Run(keyword+" "+desc, fn)
}
