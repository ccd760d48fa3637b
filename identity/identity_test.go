package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func signedToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-the-provider-key"))
	if err != nil {
		t.Fatalf("signing token : %v", err)
	}
	return token
}

func TestTokenSources(t *testing.T) {
	ctx := context.Background()

	t.Run("static", func(t *testing.T) {
		got, err := StaticTokenSource(" abc \n").Token(ctx)
		if err != nil || got != "abc" {
			t.Fatalf("\nwanted:\nabc\ngot:\n%q (%v)", got, err)
		}
		if _, err := StaticTokenSource("").Token(ctx); !errors.Is(err, ErrNoToken) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrNoToken, err)
		}
	})

	t.Run("file is re-read on every call", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token")
		source := FileTokenSource{Path: path}

		if _, err := source.Token(ctx); !errors.Is(err, ErrNoToken) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrNoToken, err)
		}

		if err := os.WriteFile(path, []byte("first\n"), 0600); err != nil {
			t.Fatalf("writing token : %v", err)
		}
		if got, _ := source.Token(ctx); got != "first" {
			t.Fatalf("\nwanted:\nfirst\ngot:\n%q", got)
		}

		if err := os.WriteFile(path, []byte("second"), 0600); err != nil {
			t.Fatalf("writing token : %v", err)
		}
		if got, _ := source.Token(ctx); got != "second" {
			t.Fatalf("\nwanted:\nsecond\ngot:\n%q", got)
		}

		if err := os.WriteFile(path, []byte("  "), 0600); err != nil {
			t.Fatalf("writing token : %v", err)
		}
		if _, err := source.Token(ctx); !errors.Is(err, ErrNoToken) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrNoToken, err)
		}
	})

	t.Run("env", func(t *testing.T) {
		source := EnvTokenSource{Name: "LENSGATE_TEST_TOKEN"}
		t.Setenv("LENSGATE_TEST_TOKEN", "")
		if _, err := source.Token(ctx); !errors.Is(err, ErrNoToken) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrNoToken, err)
		}
		t.Setenv("LENSGATE_TEST_TOKEN", "from-env")
		if got, _ := source.Token(ctx); got != "from-env" {
			t.Fatalf("\nwanted:\nfrom-env\ngot:\n%q", got)
		}
	})

	t.Run("func", func(t *testing.T) {
		source := TokenSourceFunc(func(ctx context.Context) (string, error) { return "fn", nil })
		if got, _ := source.Token(ctx); got != "fn" {
			t.Fatalf("\nwanted:\nfn\ngot:\n%q", got)
		}
	})
}

func TestParseClaims(t *testing.T) {
	t.Run("registered claims are read without verification", func(t *testing.T) {
		token := signedToken(t, jwt.RegisteredClaims{
			Subject:   "user_123",
			Issuer:    "https://clerk.example.com",
			ExpiresAt: jwt.NewNumericDate(fixedNow.Add(time.Minute)),
		})

		claims, err := ParseClaims(token)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if claims.Subject != "user_123" || claims.Issuer != "https://clerk.example.com" {
			t.Fatalf("unexpected claims %+v", claims)
		}
		if !claims.ExpiresAt.Equal(fixedNow.Add(time.Minute)) {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", fixedNow.Add(time.Minute), claims.ExpiresAt)
		}
	})

	t.Run("opaque token", func(t *testing.T) {
		if _, err := ParseClaims("sk_live_opaque"); !errors.Is(err, ErrMalformedToken) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrMalformedToken, err)
		}
	})
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	session := func(token string) *Session {
		s := NewSession(StaticTokenSource(token))
		s.Now = func() time.Time { return fixedNow }
		return s
	}

	tests := []struct {
		name    string
		token   string
		want    bool
		wantErr error
	}{
		{
			name:  "valid token",
			token: signedToken(t, jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(fixedNow.Add(time.Minute))}),
			want:  true,
		},
		{
			name:  "token without exp",
			token: signedToken(t, jwt.RegisteredClaims{Subject: "u"}),
			want:  true,
		},
		{
			name:    "expired token",
			token:   signedToken(t, jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(fixedNow.Add(-time.Second))}),
			wantErr: ErrExpired,
		},
		{
			name:    "no token",
			token:   "",
			wantErr: ErrNoToken,
		},
		{
			name:    "not a jwt",
			token:   "opaque",
			wantErr: ErrMalformedToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := session(tt.token)
			if got := s.SignedIn(ctx); got != tt.want {
				t.Fatalf("\nwanted:\n%v\ngot:\n%v", tt.want, got)
			}
			if _, err := s.Claims(ctx); !errors.Is(err, tt.wantErr) {
				t.Fatalf("\nwanted:\n%v\ngot:\n%v", tt.wantErr, err)
			}
		})
	}

	t.Run("nil session", func(t *testing.T) {
		var s *Session
		if s.SignedIn(ctx) {
			t.Fatal("\nwanted:\nfalse\ngot:\ntrue")
		}
	})
}
