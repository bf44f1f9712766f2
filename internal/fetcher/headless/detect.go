package headless

import (
	"bytes"
	"net/http"
)

const defaultMinBodyBytes = 2048

// Heuristic flags successful HTML responses that are probably client-side rendered shells.
type Heuristic struct {
	// MinBodyBytes is the size below which script-heavy bodies are promoted.
	MinBodyBytes int
}

// NewHeuristic returns a Heuristic; a zero threshold uses 2048 bytes.
func NewHeuristic(minBodyBytes int) *Heuristic {
	if minBodyBytes <= 0 {
		minBodyBytes = defaultMinBodyBytes
	}
	return &Heuristic{MinBodyBytes: minBodyBytes}
}

var appRootMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="__nuxt"`),
	[]byte(`id="root"></div>`),
	[]byte(`id="app"></div>`),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
}

// ShouldRender reports whether a probe response needs a headless render.
func (h *Heuristic) ShouldRender(statusCode int, body []byte) bool {
	if statusCode != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	lower := bytes.ToLower(body)
	if len(lower) < h.MinBodyBytes && scriptShare(lower) >= 25 {
		return true
	}
	for _, marker := range appRootMarkers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of a lowercased document covered by script elements.
func scriptShare(doc []byte) int {
	if len(doc) == 0 {
		return 0
	}
	openTag, closeTag := []byte("<script"), []byte("</script>")
	covered := 0
	for rest := doc; ; {
		start := bytes.Index(rest, openTag)
		if start < 0 {
			break
		}
		end := bytes.Index(rest[start:], closeTag)
		if end < 0 {
			// An unterminated script runs to the end of the document.
			covered += len(rest) - start
			break
		}
		end += start + len(closeTag)
		covered += end - start
		rest = rest[end:]
	}
	return covered * 100 / len(doc)
}
