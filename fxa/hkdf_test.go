package fxa

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func fromHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex fixture: %v", err)
	}
	return b
}

func TestKeyDerivationRFC5869(t *testing.T) {
	// Appendix A test cases 1-3 (SHA-256).
	cases := []struct {
		name string
		ikm  string
		salt string
		info string
		okm  string
	}{
		{
			name: "basic",
			ikm:  "0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b",
			salt: "000102030405060708090a0b0c",
			info: "f0f1f2f3f4f5f6f7f8f9",
			okm: "3cb25f25faacd57a90434f64d0362f2a" +
				"2d2d0a90cf1a5a4c5db02d56ecc4c5bf" +
				"34007208d5b887185865",
		},
		{
			name: "longer inputs and outputs",
			ikm: "000102030405060708090a0b0c0d0e0f" +
				"101112131415161718191a1b1c1d1e1f" +
				"202122232425262728292a2b2c2d2e2f" +
				"303132333435363738393a3b3c3d3e3f" +
				"404142434445464748494a4b4c4d4e4f",
			salt: "606162636465666768696a6b6c6d6e6f" +
				"707172737475767778797a7b7c7d7e7f" +
				"808182838485868788898a8b8c8d8e8f" +
				"909192939495969798999a9b9c9d9e9f" +
				"a0a1a2a3a4a5a6a7a8a9aaabacadaeaf",
			info: "b0b1b2b3b4b5b6b7b8b9babbbcbdbebf" +
				"c0c1c2c3c4c5c6c7c8c9cacbcccdcecf" +
				"d0d1d2d3d4d5d6d7d8d9dadbdcdddedf" +
				"e0e1e2e3e4e5e6e7e8e9eaebecedeeef" +
				"f0f1f2f3f4f5f6f7f8f9fafbfcfdfeff",
			okm: "b11e398dc80327a1c8e7f78c596a4934" +
				"4f012eda2d4efad8a050cc4c19afa97c" +
				"59045a99cac7827271cb41c65e590e09" +
				"da3275600c2f09b8367793a9aca3db71" +
				"cc30c58179ec3e87c14c01d5c1f3434f" +
				"1d87",
		},
		{
			name: "zero-length salt and info",
			ikm:  "0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b",
			salt: "",
			info: "",
			okm: "8da4e775a563c18f715f802a063c5a31" +
				"b8a11f5c5ee1879ec3454e5f3c738d2d" +
				"9d201395faa4b61a96c8",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			want := fromHex(t, tc.okm)

			kd := NewKeyDerivation(sha256.New, fromHex(t, tc.salt))
			kd.AddData(fromHex(t, tc.ikm))
			got := kd.Result(len(want), fromHex(t, tc.info))

			if !bytes.Equal(got, want) {
				t.Fatalf("okm mismatch: got %x want %x", got, want)
			}
		})
	}
}

func TestKeyDerivationDeterministic(t *testing.T) {
	derive := func() []byte {
		kd := NewKeyDerivation(sha256.New, []byte("salt"))
		kd.AddData([]byte("some input "))
		kd.AddData([]byte("key material"))
		return kd.Result(42, []byte("context"))
	}

	first := derive()
	second := derive()
	if !bytes.Equal(first, second) {
		t.Fatalf("derivation not deterministic: %x vs %x", first, second)
	}
	if len(first) != 42 {
		t.Fatalf("unexpected output length %d", len(first))
	}
}

func TestKeyDerivationAccumulates(t *testing.T) {
	split := NewKeyDerivation(sha256.New, nil)
	split.AddData([]byte("hello "))
	split.AddData([]byte("world"))

	whole := NewKeyDerivation(sha256.New, nil)
	whole.AddData([]byte("hello world"))

	if !bytes.Equal(split.Result(32, nil), whole.Result(32, nil)) {
		t.Fatalf("split AddData calls should equal a single call")
	}
}

func TestDeriveAuthPassword(t *testing.T) {
	pw := DeriveAuthPassword("test@example.com", "hunter2hunter2")
	if len(pw) != 32 {
		t.Fatalf("authPW length: got %d want 32", len(pw))
	}

	again := DeriveAuthPassword("test@example.com", "hunter2hunter2")
	if !bytes.Equal(pw, again) {
		t.Fatalf("authPW not deterministic")
	}

	otherEmail := DeriveAuthPassword("other@example.com", "hunter2hunter2")
	if bytes.Equal(pw, otherEmail) {
		t.Fatalf("authPW must be email-scoped")
	}

	otherPassword := DeriveAuthPassword("test@example.com", "differentpass")
	if bytes.Equal(pw, otherPassword) {
		t.Fatalf("authPW must depend on the password")
	}
}
