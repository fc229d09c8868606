package domain

// DefaultTitle is the placeholder title of a conversation that has not seen
// its first message yet.
const DefaultTitle = "New Chat"

// ConversationMeta is a history entry. UUID is minted by the remote service,
// except for conversations flagged Local.
type ConversationMeta struct {
	Title  string `json:"title"`
	IsEdit bool   `json:"isEdit"`
	UUID   int64  `json:"uuid"`
	Local  bool   `json:"local,omitempty"`
}

// MetaPatch is a partial history entry update.
type MetaPatch struct {
	Title  *string `json:"title,omitempty"`
	IsEdit *bool   `json:"isEdit,omitempty"`
}

// Apply returns meta with the patch fields copied over.
func (p MetaPatch) Apply(meta ConversationMeta) ConversationMeta {
	if p.Title != nil {
		meta.Title = *p.Title
	}
	if p.IsEdit != nil {
		meta.IsEdit = *p.IsEdit
	}
	return meta
}

// ConversationMessages is the message bucket of one conversation.
type ConversationMessages struct {
	UUID int64     `json:"uuid"`
	Data []Message `json:"data"`
}

// SessionState is the persisted client session. History and Chat are kept in
// lock-step: History[i].UUID == Chat[i].UUID.
type SessionState struct {
	Active  *int64                 `json:"active"`
	History []ConversationMeta     `json:"history"`
	Chat    []ConversationMessages `json:"chat"`
}

// DefaultSessionState is the state of a session that has never been saved.
func DefaultSessionState() SessionState {
	return SessionState{
		History: []ConversationMeta{},
		Chat:    []ConversationMessages{},
	}
}

// Clone deep-copies the state.
func (s SessionState) Clone() SessionState {
	out := SessionState{
		History: make([]ConversationMeta, len(s.History)),
		Chat:    make([]ConversationMessages, len(s.Chat)),
	}
	if s.Active != nil {
		active := *s.Active
		out.Active = &active
	}
	copy(out.History, s.History)
	for i, bucket := range s.Chat {
		data := make([]Message, len(bucket.Data))
		for j, msg := range bucket.Data {
			data[j] = msg.Clone()
		}
		out.Chat[i] = ConversationMessages{UUID: bucket.UUID, Data: data}
	}
	return out
}

// ConversationSummary is one row of the remote conversation list.
type ConversationSummary struct {
	UUID   int64  `json:"uuid"`
	Title  string `json:"title"`
	IsEdit bool   `json:"isEdit"`
}
