// Package password hashes and verifies staff passwords with Argon2id.
//
// Hashes use the PHC string layout
//
//	$argon2id$v=19$m=<KiB>,t=<iterations>,p=<lanes>$<salt>$<key>
//
// and are treated as untrusted input on verification: parameters far above the
// configured cost are refused instead of computed.
package password
