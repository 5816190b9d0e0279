package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestSecret_Redaction(t *testing.T) {
	t.Parallel()

	s := FromString("supersecret")
	for _, verb := range []string{"%v", "%s", "%q", "%#v", "%x"} {
		if got := fmt.Sprintf(verb, s); got != "[SECRET]" {
			t.Errorf("Sprintf(%s) = %q, want [SECRET]", verb, got)
		}
	}

	b, err := json.Marshal(struct{ Token Secret }{s})
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	if string(b) != `{"Token":"[SECRET]"}` {
		t.Errorf("json = %s", b)
	}
}

func TestSecret_Zero(t *testing.T) {
	t.Parallel()

	s := FromString("abc123")
	backing := []byte(s)
	s.Zero()

	if s != nil {
		t.Error("Zero should drop the reference")
	}
	for i, c := range backing {
		if c != 0 {
			t.Fatalf("byte %d = %d, want 0", i, c)
		}
	}
}

func TestStatic_ReturnsCopies(t *testing.T) {
	t.Parallel()

	p := NewStatic(KindAPIKey, "key-1")
	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.Kind != KindAPIKey {
		t.Errorf("Kind = %q", tok.Kind)
	}
	tok.Zero()

	again, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token after zero: %v", err)
	}
	if string(again.Secret) != "key-1" {
		t.Errorf("zeroing a returned token must not affect the provider, got %q", string(again.Secret))
	}

	p.Wipe()
	if _, err := p.Token(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("after Wipe err = %v, want ErrNoCredential", err)
	}
}

func TestEnv(t *testing.T) {
	t.Setenv("SCRIBELINK_TEST_TOKEN", "  tok  ")
	p := Env{Kind: KindOIDC, Var: "SCRIBELINK_TEST_TOKEN"}

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if string(tok.Secret) != "tok" {
		t.Errorf("token = %q, want trimmed", string(tok.Secret))
	}

	t.Setenv("SCRIBELINK_TEST_TOKEN", "")
	if _, err := p.Refresh(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}
}

func TestFile_RefreshPicksUpNewToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := File{Kind: KindOIDC, Path: path}

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if string(tok.Secret) != "first" {
		t.Errorf("token = %q", string(tok.Secret))
	}

	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}
	tok, err = p.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if string(tok.Secret) != "second" {
		t.Errorf("refreshed token = %q", string(tok.Secret))
	}
}

func TestFile_Missing(t *testing.T) {
	t.Parallel()

	p := File{Kind: KindOIDC, Path: filepath.Join(t.TempDir(), "nope")}
	if _, err := p.Token(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}
}
