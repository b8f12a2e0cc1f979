// Package token hashes opaque refresh tokens for server-side storage.
//
// Without a key the digest is SHA-256(token); with MOLAR_TOKEN_HMAC_KEY set it is
// HMAC-SHA256(token, key). Both render as 64 lowercase hex characters.
package token
