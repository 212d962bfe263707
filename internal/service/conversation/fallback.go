package conversation

import (
	"github.com/zhouzirui/lead-relay/backend/internal/analysis/intent"
	relaymodel "github.com/zhouzirui/lead-relay/backend/internal/model/relay"
)

// fallbackConfidence marks locally synthesised replies as low confidence.
const fallbackConfidence = 0.3

const (
	greetingReply = "Hello! I'm your AI real estate assistant. How can I help you today?"
	defaultReply  = "I'm here to help with your real estate needs. Could you please provide more details about what you're looking for?"
)

var intentReplies = map[intent.Label]string{
	intent.PropertySearch: "I can help you find properties. What type of property are you looking for? (e.g., single-family, condo, apartment)",
	intent.PriceInquiry:   "I can help you understand property prices in different areas. Which location are you interested in?",
	intent.ScheduleTour:   "I can help you schedule a property tour. What's your preferred date and time?",
	intent.ContactAgent:   "I can connect you with a real estate agent. Would you like to provide your contact information?",
}

// fallbackReply answers from keywords when the vendor is unavailable.
func fallbackReply(text string) string {
	if intent.IsGreeting(text) {
		return greetingReply
	}
	if reply, ok := intentReplies[intent.Detect(text)]; ok {
		return reply
	}
	return defaultReply
}

func fallbackMetadata(text string) relaymodel.Metadata {
	analysis := intent.Analyze(text)
	return relaymodel.Metadata{
		Intent:        string(analysis.Intent),
		Entities:      analysis.Entities.Map(),
		Sentiment:     string(analysis.Sentiment),
		Confidence:    fallbackConfidence,
		Source:        relaymodel.SourceFallback,
		LowConfidence: true,
	}
}

// enrichMetadata fills gaps in vendor metadata from local analysis.
func enrichMetadata(meta relaymodel.Metadata, text string) relaymodel.Metadata {
	analysis := intent.Analyze(text)
	if meta.Intent == "" {
		meta.Intent = string(analysis.Intent)
	}
	if meta.Sentiment == "" {
		meta.Sentiment = string(analysis.Sentiment)
	}
	if meta.Entities == nil {
		meta.Entities = map[string]any{}
	}
	for k, v := range analysis.Entities.Map() {
		if _, ok := meta.Entities[k]; !ok {
			meta.Entities[k] = v
		}
	}
	return meta
}
