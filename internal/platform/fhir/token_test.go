package fhir

import (
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestPatientFromToken(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"sub": "practitioner-1", "patient": "p-42"})
	pid, err := PatientFromToken(tok)
	if err != nil || pid != "p-42" {
		t.Fatalf("got %q, %v", pid, err)
	}

	tok = signedToken(t, jwt.MapClaims{"launch_patient": "p-7"})
	if pid, _ := PatientFromToken(tok); pid != "p-7" {
		t.Errorf("expected launch_patient fallback, got %q", pid)
	}
}

func TestPatientFromToken_Errors(t *testing.T) {
	tok := signedToken(t, jwt.MapClaims{"sub": "practitioner-1"})
	if _, err := PatientFromToken(tok); !errors.Is(err, ErrNoPatientClaim) {
		t.Errorf("expected ErrNoPatientClaim, got %v", err)
	}
	if _, err := PatientFromToken("garbage"); err == nil {
		t.Error("expected parse error")
	}
}
