package relay

// CompletionMessage is one chat-completion message in OpenAI wire shape.
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is forwarded to the chat-completion vendor.
type CompletionRequest struct {
	Messages    []CompletionMessage `json:"messages"`
	Model       string              `json:"model,omitempty"`
	Temperature *float32            `json:"temperature,omitempty"`
	TopP        *float32            `json:"topP,omitempty"`
	MaxTokens   *int                `json:"maxTokens,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

// CompletionChoice mirrors the vendor's choice entry.
type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finishReason,omitempty"`
}

// CompletionUsage reports token accounting when the vendor supplies it.
type CompletionUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// CompletionResponse is the relay's answer to a completion request.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *CompletionUsage   `json:"usage,omitempty"`
}
