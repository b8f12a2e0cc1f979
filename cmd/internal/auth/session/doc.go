// Package session is the server side of molar's token-rotation session model.
//
// A login issues a short-lived access token (PASETO v4.public by default, HS256
// JWT when configured) and an opaque refresh token. Only a digest of the refresh
// token is stored. Each refresh retires the presented token and issues a new
// pair; presenting a retired token again revokes every session of that user.
package session
