package auth

import "testing"

func TestMD5PasswordFormat(t *testing.T) {
	result := MD5Password("postgres", "secret", [4]byte{0x01, 0x02, 0x03, 0x04})

	if len(result) != 35 {
		t.Fatalf("length: got %d, want 35", len(result))
	}
	if result[:3] != "md5" {
		t.Errorf("prefix: got %q, want 'md5'", result[:3])
	}
}

func TestMD5PasswordDeterministic(t *testing.T) {
	salt := [4]byte{0xde, 0xad, 0xbe, 0xef}
	a := MD5Password("alice", "hunter2", salt)
	b := MD5Password("alice", "hunter2", salt)
	if a != b {
		t.Errorf("MD5Password not deterministic: %q != %q", a, b)
	}

	c := MD5Password("alice", "hunter3", salt)
	if a == c {
		t.Errorf("different passwords produced the same digest")
	}
}

func TestCleartextResponse(t *testing.T) {
	if got := CleartextResponse("s3cr3t"); got != "s3cr3t" {
		t.Errorf("got %q, want unchanged password", got)
	}
}
