//go:build !linux && !darwin && !windows

package platform

import (
	"fmt"
	"runtime"
)

func listRemovableVolumes() ([]string, error) {
	return nil, fmt.Errorf("volume listing not supported on %s", runtime.GOOS)
}
