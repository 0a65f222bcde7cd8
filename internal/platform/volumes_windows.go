//go:build windows

package platform

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// listRemovableVolumes returns the volume label of every logical drive that
// currently has media. Drives without media (empty card readers) are skipped.
func listRemovableVolumes() ([]string, error) {
	buf := make([]uint16, 254)
	n, err := windows.GetLogicalDriveStrings(uint32(len(buf)), &buf[0])
	if err != nil {
		return nil, fmt.Errorf("list logical drives: %w", err)
	}

	var names []string
	start := 0
	for i := 0; i < int(n); i++ {
		if buf[i] != 0 {
			continue
		}
		if i > start {
			if label, ok := volumeLabel(buf[start : i+1]); ok {
				names = append(names, label)
			}
		}
		start = i + 1
	}
	return names, nil
}

func volumeLabel(root []uint16) (string, bool) {
	label := make([]uint16, windows.MAX_PATH+1)
	err := windows.GetVolumeInformation(&root[0], &label[0], uint32(len(label)),
		nil, nil, nil, nil, 0)
	if err != nil {
		return "", false
	}
	return windows.UTF16ToString(label), true
}
