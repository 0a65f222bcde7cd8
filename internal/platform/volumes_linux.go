//go:build linux

package platform

import (
	"fmt"
	"os"
)

func listRemovableVolumes() ([]string, error) {
	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	defer f.Close()
	return parseMounts(f)
}
