package lead

import "strings"

// Status is the qualification bucket.
type Status string

const (
	Hot  Status = "hot"
	Warm Status = "warm"
	Cold Status = "cold"
)

const (
	hotThreshold  = 70
	warmThreshold = 40
)

// Lead is the subset of a prospect record that drives qualification.
type Lead struct {
	Source       string       `json:"source"`
	Interactions []string     `json:"interactions"`
	Preferences  *Preferences `json:"preferences,omitempty"`
}

// Preferences captures what the prospect is looking for.
type Preferences struct {
	PropertyType []string  `json:"propertyType,omitempty"`
	PriceRange   *[2]int64 `json:"priceRange,omitempty"`
	Locations    []string  `json:"locations,omitempty"`
	Beds         int       `json:"beds,omitempty"`
	Baths        float64   `json:"baths,omitempty"`
}

// Qualification is the scored result.
type Qualification struct {
	Score           int      `json:"score"`
	Status          Status   `json:"status"`
	Recommendations []string `json:"recommendations"`
}

var sourceWeights = map[string]int{
	"website":  10,
	"chatbot":  15,
	"voicebot": 20,
	"referral": 25,
	"other":    5,
}

var interactionWeights = map[string]int{
	"chat":    5,
	"call":    10,
	"email":   5,
	"viewing": 20,
}

var recommendations = map[Status][]string{
	Hot: {
		"Schedule a viewing",
		"Send detailed property information",
		"Connect with a mortgage specialist",
	},
	Warm: {
		"Follow up with market analysis",
		"Send property recommendations",
		"Schedule a consultation call",
	},
	Cold: {
		"Send general market information",
		"Follow up with basic property search",
		"Request more information about preferences",
	},
}

// Qualify scores l as a weighted sum of source, interactions and preference
// completeness. Unknown sources and interaction types score zero.
func Qualify(l Lead) Qualification {
	score := sourceWeights[normalize(l.Source)]

	for _, interaction := range l.Interactions {
		score += interactionWeights[normalize(interaction)]
	}

	if p := l.Preferences; p != nil {
		if len(p.PropertyType) > 0 {
			score += 10
		}
		if p.PriceRange != nil {
			score += 10
		}
		if len(p.Locations) > 0 {
			score += 10
		}
		if p.Beds > 0 {
			score += 5
		}
		if p.Baths > 0 {
			score += 5
		}
	}

	status := statusFor(score)
	return Qualification{
		Score:           score,
		Status:          status,
		Recommendations: append([]string(nil), recommendations[status]...),
	}
}

func statusFor(score int) Status {
	switch {
	case score > hotThreshold:
		return Hot
	case score > warmThreshold:
		return Warm
	default:
		return Cold
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
