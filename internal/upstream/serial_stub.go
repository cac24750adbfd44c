//go:build !linux

package upstream

import (
	"fmt"
	"os"
)

func openSerial(path string, baud int) (*os.File, error) {
	return nil, fmt.Errorf("serial upstream not supported on this platform")
}
