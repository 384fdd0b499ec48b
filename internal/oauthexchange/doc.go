// Package oauthexchange talks to the task provider's OAuth2 token endpoint.
//
// It performs the two grants the service needs and nothing else:
//   - authorization_code: redeem the one-time code from the OAuth callback
//   - refresh_token: mint a new access token without user interaction
//
// Both are plain network calls; persisting the result is the caller's job.
// A rejection by the provider is reported as *UpstreamAuthError carrying the
// upstream status code and response body.
//
// # Custom Transport
//
// Configure a custom base transport for token requests (e.g., for proxies or tests):
//
//	client, err := oauthexchange.New(cfg, oauthexchange.WithTransport(customTransport))
package oauthexchange
