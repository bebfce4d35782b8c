//go:build !(linux || darwin || freebsd)

package device

import "runtime"

func HostAttributes() Attributes {
	return Attributes{Platform: runtime.GOOS, Model: runtime.GOARCH}
}
