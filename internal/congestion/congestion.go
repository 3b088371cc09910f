// Package congestion sets and reads the congestion control algorithm of a
// TCP socket and its BBR variables. It only works on Linux; elsewhere every
// operation returns ErrNoSupport.
package congestion

import (
	"errors"
	"os"

	"github.com/m-lab/ndt-server/bbr"
	"github.com/m-lab/tcp-info/inetdiag"
)

// ErrNoSupport indicates that this system does not support setting or
// reading the congestion control algorithm.
var ErrNoSupport = errors.New("TCP_CONGESTION not supported")

// Set sets the congestion control algorithm for fp. An empty cc is a no-op.
func Set(fp *os.File, cc string) error {
	if cc == "" {
		return nil
	}
	return set(fp, cc)
}

// Get returns the congestion control algorithm of fp.
func Get(fp *os.File) (string, error) {
	return get(fp)
}

// GetBBRInfo obtains BBR info from fp. It fails if the connection does not
// use BBR.
func GetBBRInfo(fp *os.File) (inetdiag.BBRInfo, error) {
	return bbr.GetBBRInfo(fp)
}
