//go:build !linux

package media

import "fmt"

// NewSession reports that no media session exists on this platform; callers
// fall back to NewNoOpSession.
func NewSession() (Session, error) {
	return nil, fmt.Errorf("media session not supported on this platform")
}
