//go:build darwin

package platform

import (
	"fmt"
	"os"
)

func listRemovableVolumes() ([]string, error) {
	entries, err := os.ReadDir("/Volumes")
	if err != nil {
		return nil, fmt.Errorf("read /Volumes: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
