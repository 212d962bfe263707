package relay

// Metadata sources.
const (
	SourceVoiceflow = "voiceflow"
	SourceFallback  = "fallback"
)

// Metadata is the structured side-channel returned with an assistant reply.
type Metadata struct {
	Intent        string         `json:"intent,omitempty"`
	Entities      map[string]any `json:"entities,omitempty"`
	Sentiment     string         `json:"sentiment,omitempty"`
	Confidence    float64        `json:"confidence,omitempty"`
	Source        string         `json:"source,omitempty"`
	LowConfidence bool           `json:"lowConfidence,omitempty"`
}

// Reply is a vendor answer to a single relayed input.
type Reply struct {
	Vendor   string   `json:"vendor"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
	// Streamed is set for audio input: the answer arrives on the voice stream.
	Streamed bool `json:"-"`
}
