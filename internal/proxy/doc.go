// Package proxy forwards admitted requests to the downstream application.
//
// The gateway middleware has already replaced the identity and rate limit
// headers on the request by the time it reaches the proxy, so the proxy only
// rewrites the target, adds the X-Forwarded headers and maps transport
// failures to 502 or 504.
package proxy
