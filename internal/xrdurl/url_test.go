package xrdurl

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		raw      string
		scheme   string
		user     string
		host     string
		port     int
		path     string
	}{
		{"root://mgr.example/data/file1", "root", "", "mgr.example", 1094, "/data/file1"},
		{"root://alice@mgr.example:2094/f?tried=ds1", "root", "alice", "mgr.example", 2094, "/f"},
		{"roots://secure.example/f", "roots", "", "secure.example", 1094, "/f"},
		{"mgr.example:1095/bare", "root", "", "mgr.example", 1095, "/bare"},
	}
	for _, c := range cases {
		u, err := Parse(c.raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.raw, err)
		}
		if u.Scheme != c.scheme || u.User != c.user || u.Host != c.host || u.Port != c.port || u.Path != c.path {
			t.Fatalf("Parse(%q) = %+v, want scheme=%s user=%s host=%s port=%d path=%s",
				c.raw, u, c.scheme, c.user, c.host, c.port, c.path)
		}
	}
}

func TestParseRejectsMissingHost(t *testing.T) {
	if _, err := Parse("root:///no-host"); err == nil {
		t.Fatal("expected an error for a URL with no host")
	}
}

// Two URLs differing only in path/query/user must share one Channel key.
func TestHostPortIsTheChannelKey(t *testing.T) {
	a, _ := Parse("root://mgr.example:1094/path/one?cgi=1")
	b, _ := Parse("root://bob@mgr.example:1094/path/two")
	if a.HostPort() != b.HostPort() {
		t.Fatalf("HostPort mismatch: %q vs %q", a.HostPort(), b.HostPort())
	}
}

func TestWithHostKeepsEverythingElse(t *testing.T) {
	u, _ := Parse("root://mgr.example/data/file?tried=a")
	r := u.WithHost("ds1.example", 2094)
	if r.Host != "ds1.example" || r.Port != 2094 {
		t.Fatalf("WithHost = %+v", r)
	}
	if r.Path != u.Path || r.Scheme != u.Scheme || r.Query["tried"] != "a" {
		t.Fatalf("WithHost dropped fields: %+v", r)
	}
}
