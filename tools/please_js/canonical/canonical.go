// Package canonical turns module specifiers into canonical module keys.
//
// A key is the root-relative address of a module as the test server serves it,
// e.g. "/src/actions.ts". Every spelling of the same module inside the test root
// (relative paths, rooted paths, URLs on the server's own origin, /@fs/ virtual
// paths, absolute filesystem paths) collapses to the same key. Specifiers outside
// that address space (bare package names, built-ins, other origins) are returned
// unchanged.
package canonical

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// DefaultVirtualPrefix is the prefix dev servers use to expose absolute
// filesystem paths over HTTP ("/@fs/home/me/project/src/a.ts").
const DefaultVirtualPrefix = "/@fs"

// cacheBustParams are query parameters that only defeat browser caching and
// never select a different module.
var cacheBustParams = map[string]bool{
	"t":        true,
	"v":        true,
	"browserv": true,
}

var driveRe = regexp.MustCompile(`^[A-Za-z]:[\\/]`)

// Resolver canonicalizes specifiers for one test server.
type Resolver struct {
	// Origin is the test server's own origin, e.g. "http://localhost:3000".
	// When empty no URL is considered to be on the server's origin.
	Origin string
	// Root is the absolute filesystem directory the server serves from.
	Root string
	// VirtualPrefix exposes absolute filesystem paths; defaults to DefaultVirtualPrefix.
	VirtualPrefix string

	origin *url.URL
}

// New returns a Resolver for the given origin and root directory.
func New(origin, root string) *Resolver {
	r := &Resolver{
		Origin:        origin,
		Root:          strings.TrimSuffix(toSlash(root), "/"),
		VirtualPrefix: DefaultVirtualPrefix,
	}
	if origin != "" {
		if u, err := url.Parse(origin); err == nil && u.Scheme != "" && u.Host != "" {
			r.origin = u
		}
	}
	return r
}

// Resolve returns the canonical key of specifier as imported from importer.
// Keys are percent-escaped the way the module's URL path is, so a spelling with
// escapes and one without name the same module.
func (r *Resolver) Resolve(specifier, importer string) string {
	spec := toSlash(specifier)

	// Rule 1: already a canonical key.
	if r.isCanonical(spec) {
		return spec
	}

	// Rules 2-4: only rooted or relative paths take part in path joining; anything
	// else must be an address on our own origin to be canonicalized at all.
	var p, query string
	if isPathLike(spec) {
		p, query = splitQuery(spec)
		p = r.decode(p)
	} else {
		addr := spec
		if strings.HasPrefix(spec, "//") {
			if r.origin == nil {
				return specifier
			}
			addr = r.origin.Scheme + ":" + spec
		}
		u, ok := parseAddress(addr)
		if !ok || !r.sameOrigin(u) {
			return specifier
		}
		p, query = u.Path, u.RawQuery
		if p == "" {
			p = "/"
		}
	}

	// Rule 5.
	return r.join(p, query, r.NormalizeImporter(importer))
}

// NormalizeImporter returns the root-relative address of an importer, which may
// be given as a URL, a virtual path, an absolute filesystem path or a bare local
// path. Normalizing an already normalized importer returns it unchanged.
func (r *Resolver) NormalizeImporter(importer string) string {
	imp := toSlash(importer)
	if u, ok := parseAddress(imp); ok {
		imp = u.Path
	} else {
		imp, _ = splitQuery(imp)
		imp = r.decode(imp)
	}
	if imp == "" {
		return "/"
	}
	if !strings.HasPrefix(imp, "/") && !driveRe.MatchString(imp) {
		imp = "/" + imp
	}
	return escape(r.strip(path.Clean(imp)))
}

// Key is shorthand for Resolve on a specifier that has no importer context,
// such as an id returned by a host resolver.
func (r *Resolver) Key(id string) string {
	return r.Resolve(id, "/")
}

func (r *Resolver) isCanonical(spec string) bool {
	if !strings.HasPrefix(spec, "/") || strings.HasPrefix(spec, "//") || strings.ContainsAny(spec, "?#") {
		return false
	}
	if path.Clean(spec) != spec {
		return false
	}
	if hasPathPrefix(spec, r.virtualPrefix()) {
		return false
	}
	if r.Root != "" && hasPathPrefix(spec, r.Root) {
		return false
	}
	return escape(r.decode(spec)) == spec
}

func (r *Resolver) sameOrigin(u *url.URL) bool {
	if r.origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, r.origin.Scheme) &&
		strings.EqualFold(hostPort(u), hostPort(r.origin))
}

// join resolves the unescaped path p against the importer's directory, strips
// environment specific prefixes and escapes the result.
func (r *Resolver) join(p, query, importer string) string {
	if !strings.HasPrefix(p, "/") && !driveRe.MatchString(p) {
		dir, err := url.PathUnescape(path.Dir(importer))
		if err != nil {
			dir = path.Dir(importer)
		}
		p = path.Join(dir, p)
	}
	key := escape(r.strip(path.Clean(p)))
	if query = filterQuery(query); query != "" {
		key += "?" + query
	}
	return key
}

// decode unescapes a URL path. Filesystem paths are never escaped and are
// returned as is, as are paths with malformed escapes.
func (r *Resolver) decode(p string) string {
	if driveRe.MatchString(p) || (r.Root != "" && hasPathPrefix(p, r.Root)) {
		return p
	}
	if d, err := url.PathUnescape(p); err == nil {
		return d
	}
	return p
}

func (r *Resolver) strip(p string) string {
	if vp := r.virtualPrefix(); hasPathPrefix(p, vp) {
		p = strings.TrimPrefix(p, vp)
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		// /@fs/C:/proj/a.ts
		if driveRe.MatchString(p[1:]) {
			p = p[1:]
		}
	}
	if r.Root != "" && hasPathPrefix(p, r.Root) {
		p = strings.TrimPrefix(p, r.Root)
	}
	if p == "" {
		return "/"
	}
	return p
}

func (r *Resolver) virtualPrefix() string {
	if r.VirtualPrefix == "" {
		return DefaultVirtualPrefix
	}
	return strings.TrimSuffix(r.VirtualPrefix, "/")
}

// isPathLike reports whether spec is a relative or rooted path rather than a
// bare identifier or URL. "//host/x" is a URL relative to the scheme.
func isPathLike(spec string) bool {
	switch {
	case spec == "." || spec == "..":
		return true
	case strings.HasPrefix(spec, "//"):
		return false
	case strings.HasPrefix(spec, "./"), strings.HasPrefix(spec, "../"), strings.HasPrefix(spec, "/"):
		return true
	}
	return driveRe.MatchString(spec)
}

// parseAddress parses spec as a fully-qualified URL. Opaque forms such as
// "node:fs" or "data:..." have no host and are not addresses.
func parseAddress(spec string) (*url.URL, bool) {
	if driveRe.MatchString(spec) {
		return nil, false
	}
	u, err := url.Parse(spec)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, false
	}
	return u, true
}

func hostPort(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http", "ws":
			port = "80"
		case "https", "wss":
			port = "443"
		}
	}
	return host + ":" + port
}

func splitQuery(spec string) (string, string) {
	if i := strings.IndexByte(spec, '#'); i >= 0 {
		spec = spec[:i]
	}
	if i := strings.IndexByte(spec, '?'); i >= 0 {
		return spec[:i], spec[i+1:]
	}
	return spec, ""
}

// filterQuery drops cache-busting parameters and keeps the rest in order.
func filterQuery(raw string) string {
	if raw == "" {
		return ""
	}
	var kept []string
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		name := part
		if i := strings.IndexByte(part, '='); i >= 0 {
			name = part[:i]
		}
		if cacheBustParams[name] {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}

func hasPathPrefix(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// escape percent-escapes an unescaped path as it appears in a URL.
func escape(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}

func toSlash(p string) string {
	if driveRe.MatchString(p) {
		return strings.ReplaceAll(p, `\`, "/")
	}
	return p
}
