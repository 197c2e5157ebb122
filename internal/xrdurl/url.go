// Package xrdurl parses XRootD endpoint URLs. The parsed host:port is the
// key the PostMaster and Channel map use, so two URLs that only differ in
// path or query still resolve to the same Channel.
package xrdurl

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const defaultPort = 1094

// URL is the parsed form of an endpoint reference, e.g.
// "root://user@mgr.example:1094/path?cgi=1".
type URL struct {
	Scheme string
	User   string
	Host   string
	Port   int
	Path   string
	Query  map[string]string
}

// Parse accepts the xroot(s):// scheme family; a bare host:port/path is
// also accepted and defaulted to scheme "root".
func Parse(raw string) (URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "root://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return URL{}, fmt.Errorf("parsing url %q: %w", raw, err)
	}

	host := u.Hostname()
	if host == "" {
		return URL{}, fmt.Errorf("url %q has no host", raw)
	}
	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return URL{}, fmt.Errorf("parsing port in %q: %w", raw, err)
		}
	}

	user := ""
	if u.User != nil {
		user = u.User.Username()
	}

	q := map[string]string{}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			q[k] = vs[0]
		}
	}

	return URL{
		Scheme: u.Scheme,
		User:   user,
		Host:   host,
		Port:   port,
		Path:   u.Path,
		Query:  q,
	}, nil
}

// HostPort is the Channel lookup key: two URLs with the same host:port
// resolve to the same Channel regardless of path, user, or query.
func (u URL) HostPort() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// String renders a canonical form, query keys sorted for determinism.
func (u URL) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteByte('@')
	}
	b.WriteString(u.HostPort())
	b.WriteString(u.Path)
	if len(u.Query) > 0 {
		keys := make([]string, 0, len(u.Query))
		for k := range u.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('?')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(u.Query[k])
		}
	}
	return b.String()
}

// WithHost returns a copy of u redirected to a new data-server host:port,
// used when the Stream follows a redirect.
func (u URL) WithHost(host string, port int) URL {
	u2 := u
	u2.Host = host
	u2.Port = port
	return u2
}
