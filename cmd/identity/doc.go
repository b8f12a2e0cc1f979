// Package identity holds clinic staff accounts: usernames, roles and Argon2id
// password hashes, with in-memory and Postgres stores and a login Authenticator.
package identity
