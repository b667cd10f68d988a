package identity

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIPResolver(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		realIP     string
		remoteAddr string
		want       string
	}{
		{
			name:       "remote addr fallback",
			remoteAddr: "192.0.2.1:54321",
			want:       "192.0.2.1",
		},
		{
			name:       "xff first entry wins",
			xff:        "203.0.113.7, 10.0.0.1",
			remoteAddr: "192.0.2.1:54321",
			want:       "203.0.113.7",
		},
		{
			name:       "xff unparseable entries skipped",
			xff:        "not-an-ip, 203.0.113.7",
			remoteAddr: "192.0.2.1:54321",
			want:       "203.0.113.7",
		},
		{
			name:       "xff ipv4 with port",
			xff:        "203.0.113.7:8443",
			remoteAddr: "192.0.2.1:54321",
			want:       "203.0.113.7",
		},
		{
			name:       "xff bracketed ipv6",
			xff:        "[2001:db8::1]:443",
			remoteAddr: "192.0.2.1:54321",
			want:       "2001:db8::1",
		},
		{
			name:       "bare ipv6 colons preserved",
			xff:        "2001:db8::1",
			remoteAddr: "192.0.2.1:54321",
			want:       "2001:db8::1",
		},
		{
			name:       "real ip when xff useless",
			xff:        "garbage",
			realIP:     "198.51.100.4",
			remoteAddr: "192.0.2.1:54321",
			want:       "198.51.100.4",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "@",
			want:       "@",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/x", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			got, err := IPResolver().Resolve(context.Background(), r)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClaimResolvers(t *testing.T) {
	p := &Principal{
		Subject:       "s-1",
		Authenticated: true,
		Claims: []Claim{
			{Type: ClaimUserID, Value: "u-42"},
			{Type: ClaimSubject, Value: "s-1"},
			{Type: "tenant", Value: "acme"},
		},
	}
	ctx := WithPrincipal(context.Background(), p)
	r := httptest.NewRequest("GET", "/x", nil)

	if got, _ := UserResolver().Resolve(ctx, r); got != "u-42" {
		t.Errorf("user = %q, want u-42", got)
	}
	if got, _ := SubjectResolver().Resolve(ctx, r); got != "s-1" {
		t.Errorf("sub = %q, want s-1", got)
	}
	if got, _ := ClaimResolver("tenant").Resolve(ctx, r); got != "acme" {
		t.Errorf("claim:tenant = %q, want acme", got)
	}
	if got, _ := ClaimResolver("missing").Resolve(ctx, r); got != "" {
		t.Errorf("missing claim = %q, want empty", got)
	}

	// No principal at all: empty, no panic.
	if got, _ := UserResolver().Resolve(context.Background(), r); got != "" {
		t.Errorf("anonymous user = %q, want empty", got)
	}
}

func TestHeaderResolvers(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Api-Key", "k-123")
	r.Header.Set("X-Client-Id", "c-9")
	r.Header.Add("X-Multi", "first")
	r.Header.Add("X-Multi", "second")

	if got, _ := APIKeyResolver().Resolve(context.Background(), r); got != "k-123" {
		t.Errorf("api-key = %q", got)
	}
	if got, _ := ClientIDResolver().Resolve(context.Background(), r); got != "c-9" {
		t.Errorf("client-id = %q", got)
	}
	if got, _ := HeaderResolver("X-Multi").Resolve(context.Background(), r); got != "first" {
		t.Errorf("multi-value header = %q, want first value", got)
	}
}

func TestCompositeResolver(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Api-Key", "k-123")
	ctx := WithPrincipal(context.Background(), &Principal{
		Authenticated: true,
		Claims:        []Claim{{Type: ClaimUserID, Value: "u-42"}},
	})

	// Every non-empty part contributes, in order.
	comp := NewCompositeResolver(UserResolver(), APIKeyResolver())
	got, err := comp.Resolve(ctx, r)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "u-42|k-123" {
		t.Errorf("composite = %q, want u-42|k-123", got)
	}

	// Empty parts are skipped, not joined.
	comp = NewCompositeResolver(HeaderResolver("X-Missing"), APIKeyResolver())
	if got, _ = comp.Resolve(ctx, r); got != "k-123" {
		t.Errorf("composite with empty part = %q, want k-123", got)
	}

	// All empty means no identity.
	comp = NewCompositeResolver(HeaderResolver("X-Missing"), ClaimResolver("nope"))
	if got, _ = comp.Resolve(ctx, r); got != "" {
		t.Errorf("all-empty composite = %q, want empty", got)
	}
}

func TestCompile(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Tier", "gold")
	r.RemoteAddr = "192.0.2.1:1000"

	tests := []struct {
		specs []string
		want  string
	}{
		{[]string{"ip"}, "192.0.2.1"},
		{[]string{"IP"}, "192.0.2.1"},
		{[]string{"header:X-Tier"}, "gold"},
		{[]string{"HEADER:X-Tier"}, "gold"},
		{[]string{"header:X-Tier", "ip"}, "gold|192.0.2.1"},
	}
	for _, tt := range tests {
		res, err := Compile(tt.specs)
		if err != nil {
			t.Fatalf("Compile(%v): %v", tt.specs, err)
		}
		got, _ := res.Resolve(context.Background(), r)
		if got != tt.want {
			t.Errorf("Compile(%v) resolved %q, want %q", tt.specs, got, tt.want)
		}
	}
}

func TestCompileUnknownSpec(t *testing.T) {
	for _, specs := range [][]string{
		{"bogus"},
		{"ip", "bogus"},
		{"claim:"},
		{"header:"},
		nil,
	} {
		if _, err := Compile(specs); err == nil {
			t.Errorf("Compile(%v) = nil error, want failure", specs)
		}
	}
	_, err := Compile([]string{"wat"})
	if err == nil || !strings.Contains(err.Error(), "wat") {
		t.Errorf("error should name the offending spec, got %v", err)
	}
}
