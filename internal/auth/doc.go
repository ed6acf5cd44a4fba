// Package auth verifies bearer credentials presented at Identify and Resume.
//
// Credential issuance lives in the platform's auth service; the gateway only
// checks the HS256 signature and expiry against the shared secret and yields
// a verified Identity. Verification is side-effect-free and safe for
// concurrent use from many connections.
package auth
