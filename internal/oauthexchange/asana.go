package oauthexchange

import (
	"golang.org/x/oauth2"
)

// AsanaEndpoint defines the OAuth2 endpoints for Asana authentication.
// Asana expects client credentials in the form body.
var AsanaEndpoint = oauth2.Endpoint{
	AuthURL:   "https://app.asana.com/-/oauth_authorize",
	TokenURL:  "https://app.asana.com/-/oauth_token",
	AuthStyle: oauth2.AuthStyleInParams,
}
