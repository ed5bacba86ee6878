package submission

import (
	"testing"
	"time"
)

func TestFingerprintStableAcrossVolatileFields(t *testing.T) {
	a := Payload{
		"fullName":    "Amina Haddad",
		"email":       "amina@example.com",
		"phone":       "+21655123456",
		"amount":      float64(25000),
		"purpose":     "vehicle",
		"submittedAt": "2026-08-30T10:00:00Z",
	}
	b := Payload{
		"fullName":    "Amina Haddad",
		"email":       "amina@example.com",
		"phone":       "+21655123456",
		"amount":      float64(25000),
		"purpose":     "renovation",
		"submittedAt": "2026-08-30T10:00:59Z",
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("fingerprint must ignore non-identity fields")
	}
}

func TestFingerprintDistinguishesIdentityAndAmount(t *testing.T) {
	base := Payload{
		"fullName": "Amina Haddad",
		"email":    "amina@example.com",
		"phone":    "+21655123456",
		"amount":   float64(25000),
	}
	cases := map[string]any{
		"email":  "other@example.com",
		"phone":  "+21655999999",
		"amount": float64(30000),
	}
	for field, value := range cases {
		changed := Payload{}
		for k, v := range base {
			changed[k] = v
		}
		changed[field] = value
		if Fingerprint(base) == Fingerprint(changed) {
			t.Fatalf("changing %s must change the fingerprint", field)
		}
	}
}

func TestFingerprintNormalizesCaseAndWhitespace(t *testing.T) {
	a := Payload{"fullName": "Amina Haddad", "email": "amina@example.com", "phone": "+216", "amount": float64(1000)}
	b := Payload{"fullName": "  AMINA HADDAD ", "email": "Amina@Example.COM", "phone": " +216 ", "amount": float64(1000)}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("fingerprint must normalize case and surrounding whitespace")
	}
}

func TestFingerprintAmountNumericEquivalence(t *testing.T) {
	a := Payload{"fullName": "X", "email": "x@example.com", "phone": "+1", "amount": float64(25000)}
	b := Payload{"fullName": "X", "email": "x@example.com", "phone": "+1", "amount": "25000"}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("numeric and string amounts with the same value must match")
	}
}

func TestDuplicateGuardWindow(t *testing.T) {
	guard := NewDuplicateGuard(60 * time.Second)
	current := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	guard.now = func() time.Time { return current }

	if guard.Remember("fp-1") {
		t.Fatal("first sighting must not be a duplicate")
	}
	current = current.Add(30 * time.Second)
	if !guard.Remember("fp-1") {
		t.Fatal("resubmit inside the window must be a duplicate")
	}

	// The duplicate did not refresh the window: expiry counts from the
	// first sighting.
	current = current.Add(31 * time.Second)
	if guard.Remember("fp-1") {
		t.Fatal("resubmit after the window must be accepted")
	}
}

func TestDuplicateGuardForget(t *testing.T) {
	guard := NewDuplicateGuard(60 * time.Second)
	if guard.Remember("fp-1") {
		t.Fatal("first sighting must not be a duplicate")
	}
	guard.Forget("fp-1")
	if guard.Remember("fp-1") {
		t.Fatal("forgotten fingerprint must be accepted again")
	}
}

func TestDuplicateGuardPrunesExpired(t *testing.T) {
	guard := NewDuplicateGuard(60 * time.Second)
	current := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	guard.now = func() time.Time { return current }

	guard.Remember("fp-1")
	guard.Remember("fp-2")
	if guard.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", guard.Len())
	}
	current = current.Add(2 * time.Minute)
	if guard.Len() != 0 {
		t.Fatalf("expected expired entries pruned, got %d", guard.Len())
	}
}
