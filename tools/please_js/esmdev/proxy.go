package esmdev

import (
	"crypto/tls"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"

	"go.trai.ch/zerr"
)

// ErrInvalidProxy is returned for proxy rules that are not "prefix=target".
var ErrInvalidProxy = zerr.New("invalid proxy rule")

// parseProxies converts "prefix=target" rules into reverse proxies. Prefixes
// are returned longest first so the most specific rule matches.
func parseProxies(specs []string) (map[string]*httputil.ReverseProxy, []string, error) {
	proxies := make(map[string]*httputil.ReverseProxy, len(specs))
	var prefixes []string
	for _, spec := range specs {
		prefix, target, ok := strings.Cut(spec, "=")
		prefix, target = strings.TrimSpace(prefix), strings.TrimSpace(target)
		if !ok || prefix == "" {
			return nil, nil, zerr.With(ErrInvalidProxy, "rule", spec)
		}
		u, err := url.Parse(target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, nil, zerr.With(zerr.With(ErrInvalidProxy, "rule", spec), "target", target)
		}
		proxy := httputil.NewSingleHostReverseProxy(u)
		director := proxy.Director
		proxy.Director = func(req *http.Request) {
			director(req)
			req.Host = u.Host
		}
		proxy.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // local development backends
		}
		proxies[prefix] = proxy
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		return len(prefixes[i]) > len(prefixes[j])
	})
	return proxies, prefixes, nil
}
