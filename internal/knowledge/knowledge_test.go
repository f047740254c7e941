package knowledge_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/callyx/internal/knowledge"
)

func writeKnowledge(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func newKeyword(t *testing.T, dir string) *knowledge.Keyword {
	t.Helper()
	k, err := knowledge.NewKeyword(dir)
	if err != nil {
		t.Fatalf("NewKeyword: %v", err)
	}
	return k
}

func TestKeyword_RanksByOverlap(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeKnowledge(t, dir, "hours.txt",
		"The office is open Monday through Friday, 9am to 5pm.\n\nParking is available behind the building.")
	writeKnowledge(t, dir, "services.md",
		"We offer plumbing repair and drain cleaning.\n\nEmergency plumbing repair is available after hours for urgent leaks.")

	k := newKeyword(t, dir)

	got, err := k.Retrieve(context.Background(), "emergency plumbing repair")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got == "" {
		t.Fatal("expected a result")
	}
	// The paragraph containing all three words plus the phrase must lead.
	first := strings.SplitN(got, "\n\n", 3)
	if !strings.Contains(got, "## services") {
		t.Errorf("result should carry the source header, got:\n%s", got)
	}
	if !strings.Contains(first[1], "Emergency plumbing repair") {
		t.Errorf("best paragraph should come first, got:\n%s", got)
	}
	if strings.Contains(got, "Parking") {
		t.Errorf("zero-overlap paragraphs must be dropped, got:\n%s", got)
	}
}

func TestKeyword_NoOverlapReturnsEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeKnowledge(t, dir, "hours.txt", "The office is open Monday through Friday.")

	k := newKeyword(t, dir)

	got, err := k.Retrieve(context.Background(), "quantum entanglement")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty result, got %q", got)
	}
}

func TestKeyword_ShortWordsIgnored(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeKnowledge(t, dir, "misc.txt", "It is an odd fact that we do go on.")

	k := newKeyword(t, dir)

	// Every query word is under three letters, so nothing scores.
	got, err := k.Retrieve(context.Background(), "it is an do go")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty result for stop-word query, got %q", got)
	}
}

func TestKeyword_BudgetRespected(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// Build a file far over budget where every paragraph matches.
	var b strings.Builder
	para := "The restaurant reservation policy allows parties of up to eight people. " +
		strings.Repeat("Reservation details follow. ", 20)
	for range 40 {
		b.WriteString(para + "\n\n")
	}
	writeKnowledge(t, dir, "policy.txt", b.String())

	k := newKeyword(t, dir)

	got, err := k.Retrieve(context.Background(), "restaurant reservation policy")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) > knowledge.CharBudget {
		t.Errorf("result exceeds budget: %d > %d", len(got), knowledge.CharBudget)
	}
	if got == "" {
		t.Error("budget trimming should not drop everything")
	}
}

func TestKeyword_MissingDirIsEmptyCorpus(t *testing.T) {
	t.Parallel()
	k := newKeyword(t, filepath.Join(t.TempDir(), "nope"))

	got, err := k.Retrieve(context.Background(), "anything at all")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got != "" {
		t.Errorf("missing dir should yield nothing, got %q", got)
	}
}

func TestNone_AlwaysEmpty(t *testing.T) {
	t.Parallel()
	got, err := knowledge.None{}.Retrieve(context.Background(), "anything")
	if err != nil || got != "" {
		t.Errorf("None should return empty: %q, %v", got, err)
	}
}
