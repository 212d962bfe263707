package intent

import (
	"testing"
)

func TestDetectPriority(t *testing.T) {
	cases := map[string]Label{
		"I want a house":                     PropertySearch,
		"what does a home cost around here?": PropertySearch,
		"What's the PRICE range?":            PriceInquiry,
		"Can I schedule a tour?":             ScheduleTour,
		"I'd like to visit on Saturday":      ScheduleTour,
		"Please have an agent contact me":    ContactAgent,
		"Tell me about the neighbourhood":    General,
	}

	for input, want := range cases {
		if got := Detect(input); got != want {
			t.Fatalf("Detect(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestExtractEntities(t *testing.T) {
	e := Extract("Hi, my name is Jordan. Reach me at Jordan.Lee@example.com or 555-123-4567. Looking for a condo.")

	if e.Name != "Jordan" {
		t.Fatalf("unexpected name: %q", e.Name)
	}
	if e.Email != "jordan.lee@example.com" {
		t.Fatalf("unexpected email: %q", e.Email)
	}
	if e.Phone != "555-123-4567" {
		t.Fatalf("unexpected phone: %q", e.Phone)
	}
	if len(e.PropertyTypes) != 1 || e.PropertyTypes[0] != Condo {
		t.Fatalf("unexpected property types: %v", e.PropertyTypes)
	}

	m := e.Map()
	prefs, ok := m["preferences"].(map[string]any)
	if !ok {
		t.Fatalf("preferences missing from map: %v", m)
	}
	if types := prefs["propertyType"].([]string); types[0] != Condo {
		t.Fatalf("unexpected map property types: %v", types)
	}
}

func TestExtractNothing(t *testing.T) {
	e := Extract("just browsing")
	if !e.Empty() {
		t.Fatalf("expected no entities, got %+v", e)
	}
	if len(e.Map()) != 0 {
		t.Fatalf("expected empty map, got %v", e.Map())
	}
}

func TestSentiment(t *testing.T) {
	if got := SentimentOf("This place looks great, I love it"); got != Positive {
		t.Fatalf("expected positive, got %s", got)
	}
	if got := SentimentOf("Too expensive, the taxes are high"); got != Negative {
		t.Fatalf("expected negative, got %s", got)
	}
	if got := SentimentOf("good but expensive"); got != Neutral {
		t.Fatalf("expected neutral, got %s", got)
	}
}

func TestIsGreetingMatchesWholeWords(t *testing.T) {
	if !IsGreeting("Hi there!") {
		t.Fatal("expected greeting")
	}
	if IsGreeting("this is a high-rise") {
		t.Fatal("substring of another word must not count as a greeting")
	}
}

func TestAnalyze(t *testing.T) {
	a := Analyze("I love this house")
	if a.Intent != PropertySearch || a.Sentiment != Positive {
		t.Fatalf("unexpected analysis: %+v", a)
	}
	if len(a.Entities.PropertyTypes) != 1 || a.Entities.PropertyTypes[0] != SingleFamily {
		t.Fatalf("unexpected property types: %v", a.Entities.PropertyTypes)
	}
}
