package transport

import (
	"errors"
	"fmt"
)

var defaultMesh = NewMesh()

// DefaultMesh is the shared in-process mesh used when no explicit backend is
// wired, so independently constructed nodes in one process can reach each
// other.
func DefaultMesh() *Mesh {
	return defaultMesh
}

// NewBackend builds the backend named by the config. The go-waku backend is
// only present in builds with the real_waku tag.
func NewBackend(cfg Config) (Backend, error) {
	cfg = normalizeConfig(cfg)
	if err := ValidateBootstrapNodes(cfg.BootstrapNodes); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendMesh:
		return DefaultMesh().Endpoint(), nil
	case BackendGoWaku:
		b := newGoWakuBackend(cfg)
		if b == nil {
			return nil, errors.New("go-waku backend is not available in this build")
		}
		return b, nil
	default:
		return nil, fmt.Errorf("transport: unknown backend %q", cfg.Backend)
	}
}
