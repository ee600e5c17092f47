package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQueryFiltersByTopicAndSignals(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "depeg", Content: "exit tier B first", Topics: []string{"risk"}, Keywords: []string{"depeg"}},
		{Title: "general risk", Content: "prefer HOLD when unsure", Topics: []string{"risk"}},
		{Title: "payroll", Content: "payroll is on the 1st", Topics: []string{"liquidity"}},
	}, 5)

	got := p.Query("risk", "DEPEG_WARNING")
	if len(got) != 2 || got[0].Title != "depeg" {
		t.Fatalf("unexpected risk notes: %+v", got)
	}

	got = p.Query("risk", "TVL_DROP_WARNING")
	if len(got) != 1 || got[0].Title != "general risk" {
		t.Fatalf("unexpected notes without depeg signal: %+v", got)
	}

	cards := Cards(p, "liquidity")
	if len(cards) != 1 || cards[0].Content != "payroll is on the 1st" {
		t.Fatalf("unexpected cards: %+v", cards)
	}
	if Cards(nil, "risk") != nil {
		t.Fatalf("nil provider should yield no cards")
	}
}

func TestLoadStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.json")
	if err := os.WriteFile(path, []byte(`[{"title":"a","content":"b","topics":["allocation"]}]`), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}
	p, err := LoadStaticProvider(path, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := p.Query("allocation"); len(got) != 1 {
		t.Fatalf("unexpected result: %+v", got)
	}
	if _, err := LoadStaticProvider("", 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
