package monitor

import (
	"net/http"
	"os"
	"path/filepath"
)

// assetHandler serves a built UI bundle first, then the checked-in assets.
type assetHandler struct {
	buildDir  string
	assetsDir string
}

func newAssetHandler(buildDir, assetsDir string) *assetHandler {
	return &assetHandler{
		buildDir:  buildDir,
		assetsDir: assetsDir,
	}
}

func (h *assetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(r.URL.Path)
	for _, dir := range []string{h.buildDir, h.assetsDir} {
		if dir == "" {
			continue
		}
		if p := filepath.Join(dir, filename); fileExists(p) {
			http.ServeFile(w, r, p)
			return
		}
	}
	http.NotFound(w, r)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
