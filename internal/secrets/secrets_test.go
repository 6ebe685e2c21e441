package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in     string
		scheme string
		inner  string
		ok     bool
	}{
		{"env(FOO)", "env", "FOO", true},
		{"file( /run/key )", "file", "/run/key", true},
		{"vault(app/aida#key)", "vault", "app/aida#key", true},
		{"sk-plain-key", "", "", false},
		{"(FOO)", "", "", false},
		{"Env(FOO)", "", "", false},
		{"env(FOO", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			scheme, inner, ok := Parse(tt.in)
			if scheme != tt.scheme || inner != tt.inner || ok != tt.ok {
				t.Errorf("Parse(%q) = %q, %q, %v", tt.in, scheme, inner, ok)
			}
		})
	}
}

func TestSetResolve(t *testing.T) {
	t.Setenv("AIDA_TEST_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := Default()
	ctx := context.Background()

	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"plain", "plain", nil},
		{"", "", nil},
		{"env(AIDA_TEST_SECRET)", "from-env", nil},
		{"file(" + path + ")", "from-file", nil},
		{"vault(x#y)", "", ErrUnsupported},
	}
	for _, tt := range tests {
		got, err := s.Resolve(ctx, tt.in)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Resolve(%q) err = %v, want %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := s.Resolve(ctx, "env(AIDA_TEST_UNSET_SECRET)"); err == nil {
		t.Error("unset variable should fail")
	}
}

func TestVault(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-Vault-Token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/secret/data/app/aida" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"data":{"value":"v1","search":"pplx"}}}`))
	}))
	defer srv.Close()

	v := NewVault(srv.URL+"/", "tok")
	s := Set{"vault": v}
	ctx := context.Background()

	got, err := s.Resolve(ctx, "vault(app/aida#search)")
	if err != nil || got != "pplx" {
		t.Fatalf("search = %q, %v", got, err)
	}
	got, err = s.Resolve(ctx, "vault(app/aida)")
	if err != nil || got != "v1" {
		t.Fatalf("default key = %q, %v", got, err)
	}
	if _, err := s.Resolve(ctx, "vault(app/aida#search)"); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("server hits = %d, want 2 (third read cached)", n)
	}
	if _, err := s.Resolve(ctx, "vault(app/aida#missing)"); err == nil {
		t.Error("missing key should fail")
	}
	if _, err := s.Resolve(ctx, "vault(other)"); err == nil {
		t.Error("404 should fail")
	}
}
