package fhir

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoPatientClaim is returned when an access token carries no patient
// launch context.
var ErrNoPatientClaim = errors.New("access token has no patient claim")

// PatientFromToken reads the SMART "patient" launch claim from a JWT access
// token. The signature is not verified: the token was issued to this client
// by the authorization server and is only inspected for launch context; the
// FHIR server remains the party that validates it.
func PatientFromToken(accessToken string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	for _, key := range []string{"patient", "launch_patient"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", ErrNoPatientClaim
}
