package model

// InboundRequest is one user fragment posted to the relay.
type InboundRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Text           string `json:"text" binding:"required"`
}

// ParseRequest carries raw model output for the debug parse endpoint.
type ParseRequest struct {
	Raw string `json:"raw" binding:"required"`
}
