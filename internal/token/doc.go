// Package token caches bearer tokens for the push transport.
//
// Tokens are obtained with an OAuth2 client-credentials exchange and cached
// until shortly before expiry. The lifetime comes from the expires_in field
// when present (number or string), otherwise from the exp claim of the token
// itself. A configurable margin is subtracted so a token is never handed out
// moments before it lapses.
package token
