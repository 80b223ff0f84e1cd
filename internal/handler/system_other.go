//go:build !linux

package handler

import "errors"

// diskSpace is unsupported off Linux; the status endpoint simply omits
// the disk fields.
func diskSpace(path string) (free, total uint64, err error) {
	return 0, 0, errors.New("disk stats not supported on this platform")
}
