// pkg/platform/arch.go
package platform

import (
	"runtime"
	"strings"
)

// Architecture is a package architecture tag
type Architecture string

const (
	ArchX86_64  Architecture = "x86_64"  // x86 64-bit (Intel/AMD)
	ArchX86     Architecture = "x86"     // x86 32-bit
	ArchAarch64 Architecture = "aarch64" // ARM 64-bit
	ArchArmv7   Architecture = "armv7"   // ARMv7
	ArchPpc64le Architecture = "ppc64le" // PowerPC 64-bit little endian
	ArchS390x   Architecture = "s390x"   // IBM S/390
	ArchRiscv64 Architecture = "riscv64" // RISC-V 64-bit
	ArchNoarch  Architecture = "noarch"  // Architecture-independent
)

var aliases = map[string]Architecture{
	"amd64":   ArchX86_64,
	"x86_64":  ArchX86_64,
	"x64":     ArchX86_64,
	"386":     ArchX86,
	"i386":    ArchX86,
	"i686":    ArchX86,
	"x86":     ArchX86,
	"arm64":   ArchAarch64,
	"aarch64": ArchAarch64,
	"arm":     ArchArmv7,
	"armv7":   ArchArmv7,
	"armhf":   ArchArmv7,
	"ppc64le": ArchPpc64le,
	"s390x":   ArchS390x,
	"riscv64": ArchRiscv64,
	"noarch":  ArchNoarch,
	"any":     ArchNoarch,
	"all":     ArchNoarch,
}

// Normalize maps GOARCH names and common aliases to package architectures.
// Unknown names are returned lower-cased.
func Normalize(arch string) Architecture {
	a := strings.ToLower(strings.TrimSpace(arch))
	if n, ok := aliases[a]; ok {
		return n
	}
	return Architecture(a)
}

// HostArch returns the architecture of the running binary
func HostArch() Architecture {
	return Normalize(runtime.GOARCH)
}

// Compatible reports whether a package built for pkgArch installs on host.
// An empty tag is treated as noarch.
func Compatible(pkgArch string, host Architecture) bool {
	if pkgArch == "" {
		return true
	}
	p := Normalize(pkgArch)
	return p == ArchNoarch || p == Normalize(string(host))
}
