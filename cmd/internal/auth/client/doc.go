// Package authclient is the client half of the molar session model.
//
// A Machine tracks whether the local user is signed in as one of three states:
// checking (nothing validated yet), authenticated (a live refresh credential is
// held) and unauthenticated. Access tokens are short-lived and never trusted past
// their expiry; callers obtain one through Machine.AccessToken, which refreshes
// transparently, or through the http.RoundTripper returned by Machine.RoundTripper.
//
// HTTPAPI talks to the /auth endpoints. The refresh credential travels in an
// HttpOnly cookie kept by a cookie jar, with the CSRF cookie echoed as a header.
// When the cookie cannot be sent (plain-HTTP development servers set Secure
// cookies the jar will not replay) the refresh token held in the session is
// sent in the request body instead.
package authclient
