package idp

import "encoding/json"

// PasswordRealmGrant is the password grant variant that names the database
// connection explicitly.
const PasswordRealmGrant = "http://auth0.com/oauth/grant-type/password-realm"

type signupRequest struct {
	ClientID   string `json:"client_id"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	Email      string `json:"email"`
	Connection string `json:"connection"`
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Audience     string `json:"audience,omitempty"`
	Realm        string `json:"realm"`
	Scope        string `json:"scope,omitempty"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

type changePasswordRequest struct {
	ClientID   string `json:"client_id"`
	Email      string `json:"email"`
	Connection string `json:"connection"`
}

// Registration is the provider's answer to a signup.
type Registration struct {
	// ID is the provider user id without connection prefix. It becomes the
	// mirror's primary key.
	ID            string `json:"_id"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`

	// Raw is the undecoded response body.
	Raw json.RawMessage `json:"-"`
}

// TokenSet is returned by a successful login.
type TokenSet struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token,omitempty"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope,omitempty"`
}
