// Package crypto provides encryption services for OAuth tokens at rest.
//
// Two implementations of Service: VaultService (AES-256-GCM with per-call
// PBKDF2 key derivation, production) and NoopService (plaintext passthrough,
// development only).
package crypto
