package tokens

import "testing"

func TestCountEmpty(t *testing.T) {
	c := NewCounter("")
	if got := c.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}
}

func TestCountMonotonic(t *testing.T) {
	c := NewCounter("")
	short := c.Count("hello")
	long := c.Count("hello there, this is a much longer sentence with many more words in it")
	if long <= short {
		t.Errorf("longer text should count more tokens: short=%d long=%d", short, long)
	}
}

func TestHeuristicFallback(t *testing.T) {
	c := &Counter{} // no encoding loaded
	text := "twelve chars"
	if got := c.Count(text); got != len(text)/heuristicCharsPerToken {
		t.Errorf("heuristic Count = %d, want %d", got, len(text)/heuristicCharsPerToken)
	}
}

func TestCountMessages(t *testing.T) {
	c := &Counter{}
	got := c.CountMessages([]string{"aaaa", "bbbbbbbb"})
	if got != 1+2 {
		t.Errorf("CountMessages = %d, want 3", got)
	}
}
