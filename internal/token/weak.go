package token

import (
	"fmt"
	"time"
)

// DefaultMaxWeakWindow bounds weak token validity when no limit is
// configured.
const DefaultMaxWeakWindow = 10 * time.Minute

// SignWeak signs a weak token. The caller picks the window [NotBefore,
// ExpiresAt); it must be non-empty and no longer than maxWindow.
func SignWeak(s Signer, t Token, maxWindow time.Duration) ([]byte, error) {
	if s.Algorithm() != EdDSAWeak {
		return nil, fmt.Errorf("%w: weak tokens need a weak signer, got %s", ErrUnsupported, s.Algorithm())
	}
	if err := checkWindow(t, maxWindow); err != nil {
		return nil, err
	}
	return Sign(s, t)
}

func checkWindow(t Token, maxWindow time.Duration) error {
	if maxWindow <= 0 {
		maxWindow = DefaultMaxWeakWindow
	}
	if t.NotBefore == 0 || t.ExpiresAt <= t.NotBefore {
		return fmt.Errorf("%w: empty validity window", ErrWindowTooLong)
	}
	window := time.Duration(t.ExpiresAt-t.NotBefore) * time.Second
	if window > maxWindow {
		return fmt.Errorf("%w: %s > %s", ErrWindowTooLong, window, maxWindow)
	}
	return nil
}
