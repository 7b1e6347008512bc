package waproto

import (
	"fmt"
	"strings"
)

// NewProvider selects a protocol backend by mode. "sim" returns the
// in-process simulator, which emits a synthetic pairing code on every
// Open and is driven to ready by scripted events; it exists so the
// gateway can run end to end without a live transport. Real transport
// bindings implement Provider and plug in here.
func NewProvider(mode string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "sim":
		p := NewMockProvider()
		p.AutoQR = "sim-pairing"
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider mode %q", mode)
	}
}
