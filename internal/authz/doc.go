// Package authz decides whether a key's granted scopes cover the scopes a
// request requires, and resolves required scopes from configured routes.
package authz
