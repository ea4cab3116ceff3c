package tokens

import "testing"

func TestChars_Estimate(t *testing.T) {
	t.Parallel()
	e := Chars{}
	cases := map[string]int{
		"":         0,
		"abc":      1,
		"abcd":     1,
		"abcde":    2,
		"héllo wö": 2,
	}
	for in, want := range cases {
		if got := e.Estimate(in); got != want {
			t.Fatalf("Estimate(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestWords_Estimate(t *testing.T) {
	t.Parallel()
	if got := (Words{}).Estimate("one two three"); got != 4 {
		t.Fatalf("Estimate() = %d, want 4", got)
	}
	if got := (Words{}).Estimate("   "); got != 0 {
		t.Fatalf("Estimate(blank) = %d, want 0", got)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := New("chars"); err != nil {
		t.Fatalf("New(chars) error = %v", err)
	}
	if _, err := New("tiktoken"); err == nil {
		t.Fatal("expected error for unknown estimator")
	}
}
