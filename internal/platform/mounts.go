package platform

import (
	"bufio"
	"io"
	"path"
	"strconv"
	"strings"
)

// removableMountRoots are the directories desktop Linux automounters use for
// removable media.
var removableMountRoots = []string{"/media/", "/run/media/", "/mnt/"}

// parseMounts extracts volume names from a /proc/mounts style table. Only
// mount points below a removable media root are reported; the volume name is
// the last path element, which automounters derive from the filesystem label.
func parseMounts(r io.Reader) ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		mountPoint := unescapeMountField(fields[1])
		if !underRemovableRoot(mountPoint) {
			continue
		}
		name := path.Base(mountPoint)
		if name == "" || name == "/" || name == "." || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, sc.Err()
}

func underRemovableRoot(mountPoint string) bool {
	for _, root := range removableMountRoots {
		if strings.HasPrefix(mountPoint, root) && len(mountPoint) > len(root) {
			return true
		}
	}
	return false
}

// unescapeMountField decodes the octal escapes (\040 for space, \011 for tab)
// the kernel uses in /proc/mounts.
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
