package vault

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	v := New("unit-test-key")
	for _, secret := range []string{"", "admin", "s3cr3t with spaces", "按键"} {
		blob := v.Seal(secret)
		if blob == secret && secret != "" {
			t.Fatalf("seal returned plaintext for %q", secret)
		}
		got, err := v.Open(blob)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if got != secret {
			t.Fatalf("round trip mismatch: got %q want %q", got, secret)
		}
	}
}

func TestOpenRejectsTamperedBlob(t *testing.T) {
	v := New("unit-test-key")
	blob := v.Seal("password")
	if _, err := v.Open("x" + blob[1:]); err == nil {
		t.Fatal("expected error for tampered blob")
	}
	if _, err := v.Open("not base64!!"); err == nil {
		t.Fatal("expected error for malformed blob")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	blob := New("key-a").Seal("password")
	if _, err := New("key-b").Open(blob); err == nil {
		t.Fatal("expected error when opening with a different key")
	}
}

func TestSealIsRandomized(t *testing.T) {
	v := New("unit-test-key")
	if v.Seal("same") == v.Seal("same") {
		t.Fatal("two seals of the same plaintext must not be identical")
	}
}
