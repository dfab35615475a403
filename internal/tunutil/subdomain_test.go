package tunutil

import "testing"

func TestValidSubdomain(t *testing.T) {
	cases := map[string]bool{
		"abc":             true,
		"my-app-1":        true,
		strings63():       true,
		"ab":              false, // too short
		"Upper":           false, // uppercase not allowed
		"has_underscore":  false,
		"":                false,
		strings63() + "x": false, // too long
	}
	for in, want := range cases {
		if got := ValidSubdomain(in); got != want {
			t.Errorf("ValidSubdomain(%q) = %v, want %v", in, got, want)
		}
	}
}

func strings63() string {
	b := make([]byte, 63)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func TestRandomSubdomainShapeAndValidity(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := RandomSubdomain()
		if len(s) != randomSubdomainLen {
			t.Fatalf("RandomSubdomain() length = %d, want %d", len(s), randomSubdomainLen)
		}
		if !ValidSubdomain(s) {
			t.Fatalf("RandomSubdomain() = %q is not a valid subdomain", s)
		}
	}
}

func TestExtractSubdomain(t *testing.T) {
	tests := []struct {
		host      string
		base      string
		wantLabel string
		wantOK    bool
	}{
		{"sub.example.com", "example.com", "sub", true},
		{"Sub.Example.com:8443", "example.com", "sub", true},
		{"example.com", "example.com", "", false},
		{"evilexample.com", "example.com", "", false},
		{"other.org", "example.com", "", false},
		{".example.com", "example.com", "", false},
		{"ab.example.com", "example.com", "", false},   // label too short
		{"a.b.example.com", "example.com", "", false},  // dotted label
		{"Has_Underscore.example.com", "example.com", "", false},
	}
	for _, tt := range tests {
		label, ok := ExtractSubdomain(tt.host, tt.base)
		if label != tt.wantLabel || ok != tt.wantOK {
			t.Errorf("ExtractSubdomain(%q, %q) = (%q, %v), want (%q, %v)",
				tt.host, tt.base, label, ok, tt.wantLabel, tt.wantOK)
		}
	}
}

func TestStripHopByHop(t *testing.T) {
	in := map[string]string{
		"Content-Type":     "text/plain",
		"Transfer-Encoding": "chunked",
		"Connection":        "keep-alive",
		"Keep-Alive":        "timeout=5",
		"X-Custom":          "value",
	}
	out := StripHopByHop(in)
	for _, hop := range []string{"Transfer-Encoding", "Connection", "Keep-Alive"} {
		if _, ok := out[hop]; ok {
			t.Errorf("StripHopByHop left %q in output", hop)
		}
	}
	if out["Content-Type"] != "text/plain" || out["X-Custom"] != "value" {
		t.Errorf("StripHopByHop dropped non-hop-by-hop headers: %+v", out)
	}
}

func TestIsHopByHopCaseInsensitive(t *testing.T) {
	for _, h := range []string{"transfer-encoding", "TRANSFER-ENCODING", "Connection", "KEEP-ALIVE"} {
		if !IsHopByHop(h) {
			t.Errorf("IsHopByHop(%q) = false, want true", h)
		}
	}
	if IsHopByHop("Content-Length") {
		t.Error("IsHopByHop(Content-Length) = true, want false")
	}
}
