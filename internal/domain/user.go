package domain

// UserInfo is the profile of the signed-in user. Unknown fields returned by
// the remote service are kept in Extra so a shallow merge never drops them.
type UserInfo struct {
	Avatar      string         `json:"avatar"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// UserState is the persisted profile plus display settings.
type UserState struct {
	UserInfo UserInfo `json:"userInfo"`
	Theme    string   `json:"theme,omitempty"`
	Language string   `json:"language,omitempty"`
}

// DefaultUserState is used until the first save or after a reset.
func DefaultUserState() UserState {
	return UserState{
		UserInfo: UserInfo{
			Avatar:      "",
			Name:        "Guest",
			Description: "",
		},
		Theme:    "auto",
		Language: "en-US",
	}
}
