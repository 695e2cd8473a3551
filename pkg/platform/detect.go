// pkg/platform/detect.go
package platform

import (
	"fmt"
	"runtime"
)

// Platform represents the detected system platform
type Platform struct {
	OS   string       // linux, darwin, windows
	Arch Architecture // normalized package architecture
}

// Detect detects the current platform
func Detect() *Platform {
	return &Platform{
		OS:   runtime.GOOS,
		Arch: HostArch(),
	}
}

// String returns a string representation of the platform
func (p *Platform) String() string {
	return fmt.Sprintf("%s/%s", p.OS, p.Arch)
}
