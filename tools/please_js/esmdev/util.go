package esmdev

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/evanw/esbuild/pkg/api"

	"github.com/becomeliminal/js-rules/tools/please_js/common"
)

// transformEntry caches a transformed source file.
type transformEntry struct {
	code    []byte
	etag    string
	modTime time.Time
}

func newTransformEntry(code []byte, modTime time.Time) *transformEntry {
	return &transformEntry{
		code:    code,
		etag:    `"` + strconv.FormatUint(xxhash.Sum64(code), 16) + `"`,
		modTime: modTime,
	}
}

// isSourceFileExt returns true if the extension is a JS/TS source file.
func isSourceFileExt(ext string) bool {
	switch ext {
	case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".mts", ".cts":
		return true
	}
	return false
}

// resolveSourceFile finds the actual file for a URL path, trying various extensions.
func resolveSourceFile(sourceRoot, urlPath string) string {
	// Direct path
	full := filepath.Join(sourceRoot, filepath.FromSlash(urlPath))
	if info, err := os.Stat(full); err == nil && !info.IsDir() {
		return full
	}

	exts := []string{".ts", ".tsx", ".js", ".jsx"}

	// A .js URL may be served from a .ts/.tsx/.jsx file of the same name.
	if curExt := filepath.Ext(full); curExt != "" {
		base := strings.TrimSuffix(full, curExt)
		for _, ext := range exts {
			if ext == curExt {
				continue
			}
			if candidate := base + ext; isFile(candidate) {
				return candidate
			}
		}
	}

	// Extensionless paths
	for _, ext := range exts {
		if candidate := full + ext; isFile(candidate) {
			return candidate
		}
	}

	// Index files
	for _, ext := range exts {
		if candidate := filepath.Join(full, "index"+ext); isFile(candidate) {
			return candidate
		}
	}
	return ""
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// loaderForFile returns the esbuild loader for a given file path.
func loaderForFile(path string) api.Loader {
	if loader, ok := common.Loaders[filepath.Ext(path)]; ok {
		return loader
	}
	return api.LoaderJS
}

// getLocalIPs returns non-loopback IPv4 addresses.
func getLocalIPs() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			ips = append(ips, ipnet.IP.String())
		}
	}
	return ips
}
