// Package google holds the OAuth client constants used by the Gemini CLI
// credential flow.
package google

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Default OAuth client used by the Gemini CLI. Credential files that omit
// client_id/client_secret fall back to these.
const (
	DefaultClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	DefaultClientSecret = "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"
)

// Scopes requested for Cloud Code access.
var Scopes = []string{
	"openid",
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// OAuthConfig builds the oauth2 config for a credential. Empty id/secret
// select the default Gemini CLI client.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	if clientID == "" {
		clientID = DefaultClientID
	}
	if clientSecret == "" {
		clientSecret = DefaultClientSecret
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       Scopes,
		Endpoint:     google.Endpoint,
	}
}
