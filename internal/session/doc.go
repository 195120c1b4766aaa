// Package session tracks live connections per identity.
//
// The Registry is the single owner of connection state: handlers never
// touch a shared map directly. Registration is idempotent per session,
// multiple sessions per identity coexist (multi-device), and unregistering
// an absent session is a no-op so duplicate disconnect signals are safe.
//
// Register and Unregister report the identity's first-session and
// last-session transitions, which the presence layer turns into
// online/offline broadcasts.
package session
