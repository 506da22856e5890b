// Package gateway implements the API-key admission pipeline.
//
// Every request passes through a fixed sequence of stages:
//
//  1. ExtractKey reads the presented key. A missing key is MissingKey (401).
//  2. Authenticate hashes the key and looks it up. An unknown key or a store
//     failure is InvalidKey (401).
//  3. CheckExpiry rejects keys past their expiry with ExpiredKey (401).
//  4. Authorize compares the key's scopes with the route's required scopes.
//     A shortfall is InsufficientScope (403).
//  5. RateLimit consumes one unit of the key's budget. Exhaustion is
//     RateLimited (429); a limiter failure is InternalError (500).
//  6. Admit stamps the forwarded request with the owner and rate headers and
//     hands it downstream.
//
// Each stage either continues to the next or ends the request with exactly
// one rejection; no stage is retried or revisited. Once a key has been
// resolved, exactly one usage event is recorded for the request, including
// for rejections.
package gateway
