// Package platform isolates the host-specific pieces of a flash: listing
// removable volume names and building the programmer command line.
package platform

import (
	"runtime"
	"strings"
)

// Placeholders substituted into programmer argument templates.
const (
	PortPlaceholder     = "{port}"
	FirmwarePlaceholder = "{firmware}"
)

// DefaultProgrammerArgs is the bossac invocation for a SAMD21 with the UF2
// bootloader occupying the first 8 KiB of flash.
var DefaultProgrammerArgs = []string{
	"-i", "-d",
	"--port=" + PortPlaceholder,
	"-U", "-i",
	"--offset=0x2000",
	"-w", "-v", FirmwarePlaceholder,
	"-R",
}

// Platform is the capability set the flash core needs from the host OS.
type Platform interface {
	ListRemovableVolumes() ([]string, error)
	ProgrammerCommand(devicePath, firmwarePath string) (name string, args []string)
}

// ProgrammerConfig overrides the programmer binary and argument template.
type ProgrammerConfig struct {
	Path string
	Args []string
}

// Host implements Platform for the running OS.
type Host struct {
	programmer string
	args       []string
	volumes    func() ([]string, error)
}

// New returns the Platform for runtime.GOOS. Empty config fields select
// bossac with DefaultProgrammerArgs.
func New(cfg ProgrammerConfig) *Host {
	h := &Host{
		programmer: cfg.Path,
		args:       cfg.Args,
		volumes:    listRemovableVolumes,
	}
	if h.programmer == "" {
		h.programmer = DefaultProgrammer()
	}
	if len(h.args) == 0 {
		h.args = DefaultProgrammerArgs
	}
	return h
}

// DefaultProgrammer is the bossac binary name for the running OS.
func DefaultProgrammer() string {
	if runtime.GOOS == "windows" {
		return "bossac.exe"
	}
	return "bossac"
}

// ListRemovableVolumes returns the names (labels) of mounted removable volumes.
func (h *Host) ListRemovableVolumes() ([]string, error) {
	return h.volumes()
}

// ProgrammerCommand substitutes the device and firmware paths into the
// argument template. Each template argument stays a single argv entry, so
// paths containing spaces need no quoting.
func (h *Host) ProgrammerCommand(devicePath, firmwarePath string) (string, []string) {
	return h.programmer, ExpandArgs(h.args, devicePath, firmwarePath)
}

// ExpandArgs replaces the port and firmware placeholders in every argument.
func ExpandArgs(template []string, devicePath, firmwarePath string) []string {
	r := strings.NewReplacer(PortPlaceholder, devicePath, FirmwarePlaceholder, firmwarePath)
	out := make([]string, len(template))
	for i, a := range template {
		out[i] = r.Replace(a)
	}
	return out
}
