package pairing

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	plaintext := []byte("terminal output chunk")
	ciphertext, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("expected %q, got %q", plaintext, got)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	ciphertext, _ := Encrypt(key, []byte("hello"))

	tampered := []byte(ciphertext)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := Decrypt(key, string(tampered)); err == nil {
		t.Fatal("expected tampered ciphertext to fail authentication")
	}
}

func TestEncryptRejectsWrongKeySize(t *testing.T) {
	if _, err := Encrypt(make([]byte, 16), []byte("x")); err == nil {
		t.Fatal("expected error for non-32-byte key")
	}
}

func TestDeriveVerificationCodeIsSixDigits(t *testing.T) {
	secret := []byte("some-shared-secret-bytes")
	code := DeriveVerificationCode(secret)
	if len(code) != 6 {
		t.Fatalf("expected 6 characters, got %q", code)
	}
	code2 := DeriveVerificationCode(secret)
	if code != code2 {
		t.Fatal("expected deterministic verification code for the same secret")
	}
}

func TestDeriveSessionKeyIs32Bytes(t *testing.T) {
	key := DeriveSessionKey([]byte("shared-secret"))
	if len(key) != 32 {
		t.Fatalf("expected 32-byte session key, got %d", len(key))
	}
}
