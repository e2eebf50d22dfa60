// Package config loads and validates deskmcp configuration from YAML.
//
// Configuration files support ${VAR_NAME} environment variable expansion
// and human-readable duration strings ("30s", "500ms") for all broker
// timing fields. Missing timings fall back to the package defaults.
//
// Example:
//
//	relay:
//	  base_url: "https://relay.example.com"
//
//	identity:
//	  token_url: "https://login.example.com/oauth2/token"
//	  client_id: "app-id"
//	  client_secret: "${DESKMCP_CLIENT_SECRET}"
//	  scope: "https://push.example.com/.default"
//
//	push:
//	  callback_url: "https://relay.example.com/callback"
//
//	clients:
//	  alice-laptop:
//	    channel_url: "https://push.example.com/channels/abc123"
//
//	broker:
//	  connect_timeout: "30s"
//	  ready_timeout: "10s"
package config
