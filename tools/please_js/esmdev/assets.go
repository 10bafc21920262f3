package esmdev

import (
	"github.com/evanw/esbuild/pkg/api"

	"github.com/becomeliminal/js-rules/tools/please_js/common"
)

// cssModuleTemplate wraps CSS content in a JS module that injects a <style>
// tag, replacing the one a previous import of the same file added.
const cssModuleTemplate = `const __file = %q;
let s = document.querySelector('style[data-file="' + __file + '"]');
if (!s) { s = document.createElement('style'); s.dataset.file = __file; document.head.appendChild(s); }
s.textContent = %s;
`

// assetModuleTemplate exports an asset's URL.
const assetModuleTemplate = `export default %q;
`

var assetExts = func() map[string]bool {
	m := make(map[string]bool)
	for ext, loader := range common.Loaders {
		if loader == api.LoaderFile {
			m[ext] = true
		}
	}
	return m
}()

func isAssetExt(ext string) bool {
	return assetExts[ext]
}

// isTextExt reports whether files with the extension are imported as strings.
func isTextExt(ext string) bool {
	return common.Loaders[ext] == api.LoaderText
}
