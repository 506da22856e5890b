// Package postgres provides the PostgreSQL backends of the gateway: the
// api_keys key store, the api_key_usage usage sink, schema migrations and
// scheduled retention pruning of usage rows.
package postgres
