package platform

import (
	"reflect"
	"strings"
	"testing"
)

func TestExpandArgs(t *testing.T) {
	got := ExpandArgs(DefaultProgrammerArgs, "/dev/ttyACM1", "/opt/fw/My Board.bin")
	want := []string{
		"-i", "-d",
		"--port=/dev/ttyACM1",
		"-U", "-i",
		"--offset=0x2000",
		"-w", "-v", "/opt/fw/My Board.bin",
		"-R",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExpandArgs = %q, want %q", got, want)
	}
	if DefaultProgrammerArgs[2] != "--port="+PortPlaceholder {
		t.Error("ExpandArgs modified the template")
	}
}

func TestProgrammerCommandOverride(t *testing.T) {
	h := New(ProgrammerConfig{
		Path: "/usr/local/bin/bossac",
		Args: []string{"--port", "{port}", "-e", "-w", "{firmware}"},
	})
	name, args := h.ProgrammerCommand("COM5", `C:\fw\test.ino.bin`)
	if name != "/usr/local/bin/bossac" {
		t.Errorf("name = %q", name)
	}
	want := []string{"--port", "COM5", "-e", "-w", `C:\fw\test.ino.bin`}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %q, want %q", args, want)
	}
}

func TestProgrammerCommandDefaults(t *testing.T) {
	h := New(ProgrammerConfig{})
	name, args := h.ProgrammerCommand("COM3", "fw.bin")
	if name != DefaultProgrammer() {
		t.Errorf("name = %q, want %q", name, DefaultProgrammer())
	}
	if len(args) != len(DefaultProgrammerArgs) {
		t.Fatalf("args = %d, want %d", len(args), len(DefaultProgrammerArgs))
	}
	if args[2] != "--port=COM3" {
		t.Errorf("args[2] = %q, want --port=COM3", args[2])
	}
}

func TestParseMounts(t *testing.T) {
	table := `sysfs /sys sysfs rw,nosuid,nodev,noexec,relatime 0 0
/dev/nvme0n1p2 / ext4 rw,relatime 0 0
/dev/sda1 /media/pi/QTPY_BOOT vfat rw,nosuid,nodev,relatime 0 0
/dev/sdb1 /run/media/alex/My\040Stick vfat rw,nosuid,nodev 0 0
/dev/sdc1 /mnt/backup ext4 rw 0 0
/dev/sdd1 /media/pi/QTPY_BOOT vfat rw 0 0
tmpfs /run/user/1000 tmpfs rw 0 0
/dev/sde1 /media/ vfat rw 0 0
`
	got, err := parseMounts(strings.NewReader(table))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"QTPY_BOOT", "My Stick", "backup"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseMounts = %q, want %q", got, want)
	}
}

func TestUnescapeMountField(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/media/QTPY_BOOT", "/media/QTPY_BOOT"},
		{`/media/a\040b`, "/media/a b"},
		{`/media/tab\011x`, "/media/tab\tx"},
		{`/media/trailing\04`, `/media/trailing\04`},
		{`/media/bad\09x`, `/media/bad\09x`},
	}
	for _, tt := range tests {
		if got := unescapeMountField(tt.in); got != tt.want {
			t.Errorf("unescapeMountField(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHostListRemovableVolumes(t *testing.T) {
	h := New(ProgrammerConfig{})
	h.volumes = func() ([]string, error) { return []string{"QTPY_BOOT"}, nil }
	got, err := h.ListRemovableVolumes()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "QTPY_BOOT" {
		t.Errorf("volumes = %q", got)
	}
}
