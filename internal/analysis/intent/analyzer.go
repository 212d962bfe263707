package intent

import (
	"regexp"
	"strings"
)

// Label 表示识别出的用户意图。
type Label string

const (
	PropertySearch Label = "property_search"
	PriceInquiry   Label = "price_inquiry"
	ScheduleTour   Label = "schedule_tour"
	ContactAgent   Label = "contact_agent"
	General        Label = "general_inquiry"
)

// Sentiment 表示粗粒度的情感倾向。
type Sentiment string

const (
	Positive Sentiment = "positive"
	Negative Sentiment = "negative"
	Neutral  Sentiment = "neutral"
)

// Property types recognised in preferences.
const (
	SingleFamily = "single-family"
	Condo        = "condo"
)

// Analysis 汇总一次输入的意图、实体与情感。
type Analysis struct {
	Intent    Label
	Entities  Entities
	Sentiment Sentiment
}

// Entities are values pulled out of free text.
type Entities struct {
	Name          string
	Email         string
	Phone         string
	PropertyTypes []string
}

// Empty reports whether nothing was extracted.
func (e Entities) Empty() bool {
	return e.Name == "" && e.Email == "" && e.Phone == "" && len(e.PropertyTypes) == 0
}

// Map renders the entities in the reply metadata shape.
func (e Entities) Map() map[string]any {
	out := make(map[string]any)
	if e.Name != "" {
		out["name"] = e.Name
	}
	if e.Email != "" {
		out["email"] = e.Email
	}
	if e.Phone != "" {
		out["phone"] = e.Phone
	}
	if len(e.PropertyTypes) > 0 {
		out["preferences"] = map[string]any{"propertyType": append([]string(nil), e.PropertyTypes...)}
	}
	return out
}

type bucket struct {
	label    Label
	keywords []string
}

// 按优先级排列，第一个命中的桶即为意图。
var intentBuckets = []bucket{
	{PropertySearch, []string{"property", "house", "home"}},
	{PriceInquiry, []string{"price", "cost"}},
	{ScheduleTour, []string{"schedule", "tour", "visit"}},
	{ContactAgent, []string{"contact", "agent"}},
}

var propertyTypeBuckets = []struct {
	kind     string
	keywords []string
}{
	{SingleFamily, []string{"single family", "single-family", "house"}},
	{Condo, []string{"condo", "apartment"}},
}

var (
	positiveWords = wordSet("good", "great", "excellent", "love", "like", "perfect")
	negativeWords = wordSet("bad", "terrible", "hate", "dislike", "expensive", "high")
	greetingWords = wordSet("hello", "hi", "hey")

	emailPattern = regexp.MustCompile(`[\w.-]+@[\w.-]+\.\w+`)
	phonePattern = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
	namePattern  = regexp.MustCompile(`(?i)my name is (\w+)`)
)

// Analyze 对文本进行意图、实体与情感分析。
func Analyze(text string) Analysis {
	return Analysis{
		Intent:    Detect(text),
		Entities:  Extract(text),
		Sentiment: SentimentOf(text),
	}
}

// Detect returns the highest-priority intent whose keywords appear in text.
func Detect(text string) Label {
	normalized := strings.ToLower(text)
	for _, b := range intentBuckets {
		if containsAny(normalized, b.keywords) {
			return b.label
		}
	}
	return General
}

// IsGreeting reports whether text contains a greeting word.
func IsGreeting(text string) bool {
	for _, w := range words(text) {
		if _, ok := greetingWords[w]; ok {
			return true
		}
	}
	return false
}

// Extract pulls contact details and property preferences out of text.
func Extract(text string) Entities {
	var e Entities

	if m := emailPattern.FindString(text); m != "" {
		e.Email = strings.ToLower(m)
	}
	if m := phonePattern.FindString(text); m != "" {
		e.Phone = m
	}
	if m := namePattern.FindStringSubmatch(text); len(m) == 2 {
		e.Name = m[1]
	}

	normalized := strings.ToLower(text)
	for _, b := range propertyTypeBuckets {
		if containsAny(normalized, b.keywords) {
			e.PropertyTypes = append(e.PropertyTypes, b.kind)
		}
	}
	return e
}

// SentimentOf counts positive and negative words.
func SentimentOf(text string) Sentiment {
	var pos, neg int
	for _, w := range words(text) {
		if _, ok := positiveWords[w]; ok {
			pos++
		}
		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}

	switch {
	case pos > neg:
		return Positive
	case neg > pos:
		return Negative
	default:
		return Neutral
	}
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// words lower-cases text and splits it on anything that is not a letter or digit.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	})
}

func wordSet(ws ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		set[w] = struct{}{}
	}
	return set
}
