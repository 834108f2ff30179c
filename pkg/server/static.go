package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
)

// staticHandler serves files below root. Unknown paths and directories
// without an index.html answer 404 Not Found; no listings are generated.
type staticHandler struct {
	root  string
	files http.Handler
}

func newStaticHandler(root string) *staticHandler {
	return &staticHandler{
		root:  root,
		files: http.FileServer(http.Dir(root)),
	}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	name := filepath.Join(h.root, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
	info, err := os.Stat(name)
	if err == nil && info.IsDir() {
		info, err = os.Stat(filepath.Join(name, "index.html"))
	}
	if err != nil || info.IsDir() {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	h.files.ServeHTTP(w, r)
}
