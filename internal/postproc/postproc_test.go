package postproc

import "testing"

func TestDuplicateWordCollapse(t *testing.T) {
	got := Process("foo foo bar")
	if got != "Foo bar" {
		t.Errorf("got %q, want %q", got, "Foo bar")
	}
}

func TestItIsContraction(t *testing.T) {
	got := Process("It is cold")
	if got != "It's cold" {
		t.Errorf("got %q, want %q", got, "It's cold")
	}
}

func TestStripLeadingOkay(t *testing.T) {
	got := Process("Okay. hello")
	if got != "Hello" {
		t.Errorf("got %q, want %q", got, "Hello")
	}
}

func TestStripLeadingOkayOnUncapitalizedAsrOutput(t *testing.T) {
	got := Process("okay. hello hello world")
	if got != "Hello world" {
		t.Errorf("got %q, want %q", got, "Hello world")
	}
}

func TestCapitalizeAfterSentenceTerminators(t *testing.T) {
	got := Process("hello there. how are you? fine!  thanks.")
	want := "Hello there. How are you? Fine!  Thanks."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTrimsWhitespace(t *testing.T) {
	got := Process("  hello world  ")
	if got != "Hello world" {
		t.Errorf("got %q, want %q", got, "Hello world")
	}
}

func TestIdempotent(t *testing.T) {
	cases := []string{
		"foo foo bar",
		"It is cold",
		"Okay. hello",
		"  multiple   spaces  here  ",
		"already. Capitalized! Text?",
		"",
	}
	for _, c := range cases {
		once := Process(c)
		twice := Process(once)
		if once != twice {
			t.Errorf("Process not idempotent for %q: once=%q twice=%q", c, once, twice)
		}
	}
}

func TestCaseInsensitiveDuplicateCollapse(t *testing.T) {
	got := Process("Hello HELLO there")
	if got != "Hello there" {
		t.Errorf("got %q, want %q", got, "Hello there")
	}
}
