package reasoner

import "testing"

func TestExtractJSONPlainObject(t *testing.T) {
	got, ok := ExtractJSON(`{"goal":"x"}`)
	if !ok || got != `{"goal":"x"}` {
		t.Fatalf("unexpected result: %q ok=%v", got, ok)
	}
}

func TestExtractJSONEmbeddedInProse(t *testing.T) {
	in := "Sure, here is the plan:\n```json\n{\"steps\":[{\"id\":\"s1\"}]}\n```\nLet me know."
	got, ok := ExtractJSON(in)
	if !ok {
		t.Fatal("expected a JSON object")
	}
	if got != `{"steps":[{"id":"s1"}]}` {
		t.Fatalf("unexpected extraction: %q", got)
	}
}

func TestExtractJSONNestedAndStrings(t *testing.T) {
	in := `prefix {"a":{"b":"}brace in string{"},"c":[1,2]} suffix {"second":true}`
	got, ok := ExtractJSON(in)
	if !ok {
		t.Fatal("expected a JSON object")
	}
	if got != `{"a":{"b":"}brace in string{"},"c":[1,2]}` {
		t.Fatalf("unexpected extraction: %q", got)
	}
}

func TestExtractJSONEscapedQuote(t *testing.T) {
	in := `{"a":"quote \" and brace }"}`
	got, ok := ExtractJSON(in)
	if !ok || got != in {
		t.Fatalf("unexpected result: %q ok=%v", got, ok)
	}
}

func TestExtractJSONNoObject(t *testing.T) {
	if _, ok := ExtractJSON("no json here, sorry"); ok {
		t.Fatal("expected no object")
	}
	if _, ok := ExtractJSON("unbalanced { forever"); ok {
		t.Fatal("expected no object for unbalanced braces")
	}
}
