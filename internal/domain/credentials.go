package domain

// Tokens are the credentials issued by the auth server.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Credentials is everything the transport and refresh cycle need.
type Credentials struct {
	UserID       string
	DeviceID     string
	AccessToken  string
	RefreshToken string
}
