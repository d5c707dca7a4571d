package utils

import "testing"

func TestJwtRoundTrip(t *testing.T) {
	token, err := JwtGenerate("dr-1", "Dr One", "clinician", "clinic-1")
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := JwtValidate(token)
	if err != nil {
		t.Fatal(err)
	}
	claims, ok := parsed.Claims.(*JwtCustomClaim)
	if !ok || !parsed.Valid {
		t.Fatalf("claims not recovered: valid=%v", parsed.Valid)
	}
	if claims.ActorId != "dr-1" || claims.ClinicId != "clinic-1" || claims.Role != "clinician" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestJwtValidate_RejectsTampered(t *testing.T) {
	token, err := JwtGenerate("dr-1", "Dr One", "clinician", "clinic-1")
	if err != nil {
		t.Fatal(err)
	}
	tampered := token[:len(token)-2] + "xx"
	if parsed, err := JwtValidate(tampered); err == nil && parsed.Valid {
		t.Error("tampered token accepted")
	}
}
