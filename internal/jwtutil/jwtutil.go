// Package jwtutil provides shared JWT expiry inspection for callers that
// only need to read a bearer token's "exp" claim — never to verify its
// signature, since these tokens are issued by a third-party login page,
// not by this gateway.
package jwtutil

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiringSoon reports whether bearer's "exp" claim falls within margin of
// now, or whether the token is empty, unparseable, or missing the claim —
// all of which are treated as "needs refresh" rather than trusted blind.
func ExpiringSoon(bearer string, margin time.Duration) bool {
	exp, ok := Expiry(bearer)
	if !ok {
		return true
	}
	return time.Until(exp) < margin
}

// Expiry reads the "exp" claim from bearer without verifying its
// signature. ok is false if bearer is empty, malformed, or carries no
// "exp" claim.
func Expiry(bearer string) (exp time.Time, ok bool) {
	if bearer == "" {
		return time.Time{}, false
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(bearer, claims); err != nil {
		return time.Time{}, false
	}
	expVal, present := claims["exp"]
	if !present {
		return time.Time{}, false
	}
	expFloat, isFloat := expVal.(float64)
	if !isFloat {
		return time.Time{}, false
	}
	return time.Unix(int64(expFloat), 0), true
}
