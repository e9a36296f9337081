// Package auth implements the frontend side of PostgreSQL password
// authentication: computing the response to an AuthenticationCleartextPassword
// or AuthenticationMD5Password challenge.
package auth

import (
	"crypto/md5" //nolint:gosec // required by the Postgres wire protocol, not a security choice
	"encoding/hex"
	"errors"
)

// ErrPasswordRequired is returned when the backend challenges for a
// password the caller never supplied.
var ErrPasswordRequired = errors.New("auth: password required but not provided")

// MD5Password computes the response to an AuthenticationMD5Password
// challenge: "md5" || hex(md5(hex(md5(password || user)) || salt)).
func MD5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user)) //nolint:gosec // required by the Postgres wire protocol
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt[:]...)) //nolint:gosec // required by the Postgres wire protocol
	return "md5" + hex.EncodeToString(outer[:])
}

// CleartextResponse returns the password unchanged; the wire format for an
// AuthenticationCleartextPassword response is the password itself.
func CleartextResponse(password string) string {
	return password
}
