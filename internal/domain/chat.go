package domain

// RequestOptions correlates an outgoing prompt with its conversational context
// on the remote service.
type RequestOptions struct {
	Regenerate      int64 `json:"regenerate,omitempty"`
	ConversationID  int64 `json:"conversationId"`
	ParentMessageID int64 `json:"parentMessageId"`
}

// ResponseOptions is the final (or cumulative) reply produced by the remote
// service for a prompt.
type ResponseOptions struct {
	Role            string `json:"role"`
	ID              int64  `json:"id"`
	ConversationID  int64  `json:"conversationId"`
	ParentMessageID int64  `json:"parentMessageId"`
	Text            string `json:"text"`
}

// RequestPayload is the prompt a message was produced from.
type RequestPayload struct {
	Prompt  string          `json:"prompt"`
	Options *RequestOptions `json:"options,omitempty"`
}

// Message is a single transcript entry. ID uniqueness is scoped to the owning
// conversation.
type Message struct {
	ID              int64            `json:"id"`
	Timestamp       string           `json:"dateTime"`
	Text            string           `json:"text"`
	IsUserMessage   bool             `json:"inversion,omitempty"`
	IsError         bool             `json:"error,omitempty"`
	IsLoading       bool             `json:"loading,omitempty"`
	RequestPayload  RequestPayload   `json:"requestOptions"`
	ResponsePayload *ResponseOptions `json:"responseOptions"`
}

// MessagePatch carries the fields of a partial message update. Nil fields are
// left untouched.
type MessagePatch struct {
	ID              *int64           `json:"id,omitempty"`
	Timestamp       *string          `json:"dateTime,omitempty"`
	Text            *string          `json:"text,omitempty"`
	IsUserMessage   *bool            `json:"inversion,omitempty"`
	IsError         *bool            `json:"error,omitempty"`
	IsLoading       *bool            `json:"loading,omitempty"`
	RequestPayload  *RequestPayload  `json:"requestOptions,omitempty"`
	ResponsePayload *ResponseOptions `json:"responseOptions,omitempty"`
}

// Apply returns m with every non-nil field of p copied over.
func (p MessagePatch) Apply(m Message) Message {
	if p.ID != nil {
		m.ID = *p.ID
	}
	if p.Timestamp != nil {
		m.Timestamp = *p.Timestamp
	}
	if p.Text != nil {
		m.Text = *p.Text
	}
	if p.IsUserMessage != nil {
		m.IsUserMessage = *p.IsUserMessage
	}
	if p.IsError != nil {
		m.IsError = *p.IsError
	}
	if p.IsLoading != nil {
		m.IsLoading = *p.IsLoading
	}
	if p.RequestPayload != nil {
		m.RequestPayload = *p.RequestPayload
	}
	if p.ResponsePayload != nil {
		resp := *p.ResponsePayload
		m.ResponsePayload = &resp
	}
	return m
}

// Clone returns a copy of m that shares no pointers with it.
func (m Message) Clone() Message {
	if m.RequestPayload.Options != nil {
		opts := *m.RequestPayload.Options
		m.RequestPayload.Options = &opts
	}
	if m.ResponsePayload != nil {
		resp := *m.ResponsePayload
		m.ResponsePayload = &resp
	}
	return m
}
