package user

import "time"

type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Password    string `json:"-"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Verified    bool   `json:"verified"`

	// Privacy flags. AllowDirectMessages defaults to true so missing profile
	// rows never hide legitimate users.
	ShowProfile         bool `json:"show_profile"`
	AppearInSearch      bool `json:"appear_in_search"`
	AllowDirectMessages bool `json:"allow_direct_messages"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary is the slim profile shape attached to conversation rosters, with
// presence joined in.
type Summary struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	AvatarURL   string     `json:"avatar_url"`
	Verified    bool       `json:"verified"`
	IsOnline    bool       `json:"is_online"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          string `json:"id"`
	Username    string `json:"username"`
}

type UpdatePrivacyRequest struct {
	ShowProfile         *bool `json:"show_profile,omitempty"`
	AppearInSearch      *bool `json:"appear_in_search,omitempty"`
	AllowDirectMessages *bool `json:"allow_direct_messages,omitempty"`
}
