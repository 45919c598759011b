package inference

import "sync"

// Backend bundles the external model implementations a build links in. The
// server runs without one; server-side media offers are then refused while
// signaling and peer-to-peer calls keep working.
type Backend struct {
	NewDetector   func() (Detector, error)
	NewModel      func() (Model, error)
	NewDecoder    func() (FrameDecoder, error)
	NewRecognizer RecognizerFactory
}

var (
	backendMu sync.RWMutex
	backend   *Backend
)

// RegisterBackend installs the model backend. Call it from an init in the
// package that wraps the concrete models, before the server starts.
func RegisterBackend(b *Backend) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backend = b
}

// RegisteredBackend returns the installed backend, or nil.
func RegisteredBackend() *Backend {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return backend
}
