package hostconfig

import (
	"strconv"
	"strings"
	"testing"

	"github.com/sshcore/sshcore/internal/options"
)

func TestPatternMatchWildcards(t *testing.T) {
	cases := []struct {
		pattern, host string
		want          bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"testhost", "TESTHOST", true},
		{"testhost", "testhost2", false},
		{"test*", "testhost", true},
		{"test*", "tes", false},
		{"?", "a", true},
		{"?", "", false},
		{"?", "ab", false},
		{"10.0.0.?", "10.0.0.5", true},
		{"10.0.0.?", "10.0.0.55", false},
		{"*.example.com", "host.example.com", true},
		{"*.example.com", "example.com", false},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "abc", true},
		{"a*b*c", "acb", false},
	}
	for _, tc := range cases {
		if got := PatternMatch(tc.pattern, tc.host); got != tc.want {
			t.Errorf("PatternMatch(%q, %q) = %v, want %v", tc.pattern, tc.host, got, tc.want)
		}
	}
}

func TestPatternMatchSubnetSweep(t *testing.T) {
	for n := 0; n <= 255; n++ {
		host := "10.0.0." + strconv.Itoa(n)
		if !PatternMatch("10.0.0.*", host) {
			t.Fatalf("10.0.0.* did not match %s", host)
		}
	}
}

func TestPatternValid(t *testing.T) {
	for _, p := range []string{"host-1", "a_b.c", "10.0.0.*", "??", "test*"} {
		if !PatternValid(p) {
			t.Errorf("PatternValid(%q) = false", p)
		}
	}
	for _, p := range []string{"", "host!", "a b", "ho/st"} {
		if PatternValid(p) {
			t.Errorf("PatternValid(%q) = true", p)
		}
	}
}

const sampleConfig = `
# client configuration
Host *
    User fallback
    Port 22

Host test*
    Port 2022

Host testhost
    User specific
    IdentityFile ~/.ssh/id_%h
`

func TestFindBestMatchPrecedence(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	best := cfg.FindBestMatch("testhost")
	if best == nil {
		t.Fatal("no match for testhost")
	}
	if best.Patterns[0] != "testhost" {
		t.Fatalf("best match pattern = %q, want testhost", best.Patterns[0])
	}
	// The memoized second lookup returns the same entry.
	if again := cfg.FindBestMatch("testhost"); again != best {
		t.Fatal("cached lookup returned a different entry")
	}
}

func TestResolveMergesGlobalDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	entry, err := cfg.Resolve("testhost", nil)
	if err != nil {
		t.Fatal(err)
	}
	// The specific entry wins for user, the mid-specific one for port;
	// Host * contributes nothing that a better match already set.
	if entry.User != "specific" {
		t.Fatalf("user = %q, want specific", entry.User)
	}
	if entry.Port != 2022 {
		t.Fatalf("port = %d, want 2022", entry.Port)
	}
}

func TestResolveAppliesOverrides(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	opts, err := options.Parse([]string{"host.port=9999", "host.user=override"})
	if err != nil {
		t.Fatal(err)
	}
	entry, err := cfg.Resolve("testhost", opts)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Port != 9999 || entry.User != "override" {
		t.Fatalf("entry = %+v, want port 9999 user override", entry)
	}
}

func TestResolvePortAndUsername(t *testing.T) {
	if got := ResolvePort(22, &Entry{Port: 2200}); got != 2200 {
		t.Fatalf("ResolvePort = %d, want 2200", got)
	}
	if got := ResolvePort(22, &Entry{}); got != 22 {
		t.Fatalf("ResolvePort = %d, want 22", got)
	}
	if got := ResolveUsername("orig", &Entry{User: "u"}); got != "u" {
		t.Fatalf("ResolveUsername = %q, want u", got)
	}
	if got := ResolveUsername("orig", &Entry{}); got != "orig" {
		t.Fatalf("ResolveUsername = %q, want orig", got)
	}
}

func TestMultiplePatternsShareValueBody(t *testing.T) {
	cfg, err := Parse(strings.NewReader("Host alpha beta\n    Port 2222\n"))
	if err != nil {
		t.Fatal(err)
	}
	for _, host := range []string{"alpha", "beta"} {
		e := cfg.FindBestMatch(host)
		if e == nil || e.Port != 2222 {
			t.Fatalf("host %s: entry = %+v, want port 2222", host, e)
		}
	}
}

func TestExpandTokens(t *testing.T) {
	ctx := TokenContext{
		Host: "example.com", Port: 2022, User: "alice",
		HomeDir: "/home/alice", LocalHost: "workstation",
	}
	cases := []struct{ in, want string }{
		{"~/.ssh/id_%h", "/home/alice/.ssh/id_example.com"},
		{"%d/.ssh/key", "/home/alice/.ssh/key"},
		{"/keys/%u-%p", "/keys/alice-2022"},
		{"/keys/%r", "/keys/alice"},
		{"/logs/%l", "/logs/workstation"},
		{"100%%", "100%"},
		{"~", "/home/alice"},
	}
	for _, tc := range cases {
		if got := ExpandTokens(tc.in, ctx); got != tc.want {
			t.Errorf("ExpandTokens(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseRejectsInvalidPattern(t *testing.T) {
	if _, err := Parse(strings.NewReader("Host bad!pattern\n")); err == nil {
		t.Fatal("want error for invalid pattern character")
	}
}

func TestParseRejectsDirectiveBeforeHost(t *testing.T) {
	if _, err := Parse(strings.NewReader("Port 22\n")); err == nil {
		t.Fatal("want error for directive ahead of any Host entry")
	}
}
