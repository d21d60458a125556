package engine

import "testing"

func TestFoldCase(t *testing.T) {
	if foldCase("STRASSE") != foldCase("strasse") {
		t.Error("expected ASCII case fold to match")
	}
	if foldCase("Straße") != foldCase("STRASSE") {
		t.Error("expected full-Unicode fold to equate ß with ss")
	}
}

func TestHashText_Deterministic(t *testing.T) {
	a := hashText("PII|mario.rossi@example.com")
	b := hashText("PII|mario.rossi@example.com")
	if a != b {
		t.Error("hashText should be deterministic for equal input")
	}
	if a == hashText("PII|other@example.com") {
		t.Error("hashText should differ for different input")
	}
}

func TestObfuscateDeobfuscate_RoundTrip(t *testing.T) {
	secret := "token-secret"
	plain := "mario.rossi@example.com"

	enc := obfuscate(plain, secret)
	if enc == plain {
		t.Error("obfuscated value should not equal plaintext")
	}

	dec, err := deobfuscate(enc, secret)
	if err != nil {
		t.Fatalf("deobfuscate failed: %v", err)
	}
	if dec != plain {
		t.Errorf("deobfuscate: got %q, want %q", dec, plain)
	}
}

func TestDeobfuscate_WrongSecret(t *testing.T) {
	enc := obfuscate("secret value", "secret-a")
	dec, err := deobfuscate(enc, "secret-b")
	if err != nil {
		t.Fatalf("deobfuscate should not error on valid base64: %v", err)
	}
	if dec == "secret value" {
		t.Error("decoding with the wrong secret should not recover the original value")
	}
}

func TestDeobfuscate_InvalidBase64(t *testing.T) {
	if _, err := deobfuscate("not valid base64!!!", "secret"); err == nil {
		t.Error("expected error decoding invalid base64")
	}
}

func TestAnagram_Deterministic(t *testing.T) {
	a := anagram("mario rossi", "secret")
	b := anagram("mario rossi", "secret")
	if a != b {
		t.Errorf("anagram should be deterministic: %q != %q", a, b)
	}
}

func TestAnagram_DifferentSecretDiffers(t *testing.T) {
	a := anagram("mario rossi", "secret-a")
	b := anagram("mario rossi", "secret-b")
	if a == b {
		t.Error("anagram should vary with the secret")
	}
}

func TestAnagram_SameRunes(t *testing.T) {
	value := "listen"
	out := anagram(value, "secret")
	if len(out) != len(value) {
		t.Fatalf("anagram changed length: got %d, want %d", len(out), len(value))
	}

	counts := map[rune]int{}
	for _, r := range value {
		counts[r]++
	}
	for _, r := range out {
		counts[r]--
	}
	for r, c := range counts {
		if c != 0 {
			t.Errorf("anagram is not a permutation: rune %q off by %d", r, c)
		}
	}
}

func TestNormalizeCategory(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"pii", "PII"},
		{"  secret  ", "SECRET"},
		{"credit-card", "CREDIT_CARD"},
		{"already_OK", "ALREADY_OK"},
		{"!!!", "GENERIC"},
		{"", "GENERIC"},
		{"a--b__c", "A_B_C"},
	}
	for _, tt := range tests {
		if got := normalizeCategory(tt.in); got != tt.want {
			t.Errorf("normalizeCategory(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
