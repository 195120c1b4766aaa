// Package auth verifies connection tokens issued by the external auth
// collaborator. A connecting transport session must present a valid HS256
// JWT whose "sub" claim names the identity; rejection happens before any
// session registry entry is created.
package auth
