//go:build linux || darwin || freebsd

package device

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// HostAttributes reads platform, machine and kernel release from uname.
func HostAttributes() Attributes {
	attrs := Attributes{Platform: runtime.GOOS, Model: runtime.GOARCH}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return attrs
	}
	if machine := unix.ByteSliceToString(uts.Machine[:]); machine != "" {
		attrs.Model = machine
	}
	attrs.OSVersion = unix.ByteSliceToString(uts.Release[:])
	return attrs
}
