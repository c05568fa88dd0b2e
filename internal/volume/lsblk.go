package volume

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/volback/pkg/cmdrun"
)

// Lsblk probes with lsblk and mounts through udisks, which lets an
// unprivileged desktop user mount removable drives on Linux.
type Lsblk struct {
	lsblkCmd     string
	udisksctlCmd string
	timeout      time.Duration
}

func NewLsblk(timeout time.Duration) *Lsblk {
	return &Lsblk{
		lsblkCmd:     "lsblk",
		udisksctlCmd: "udisksctl",
		timeout:      timeout,
	}
}

type lsblkDevice struct {
	UUID        *string       `json:"uuid"`
	Mountpoint  *string       `json:"mountpoint"`
	Mountpoints []*string     `json:"mountpoints"`
	Children    []lsblkDevice `json:"children"`
}

func (l *Lsblk) Probe(ctx context.Context, uuid string) (Status, error) {
	out, err := cmdrun.Output(ctx, cmdrun.Command{
		Name:    l.lsblkCmd,
		Args:    []string{"-J", "-o", "UUID,MOUNTPOINT"},
		Timeout: l.timeout,
	})
	if err != nil {
		return Unknown(), err
	}
	return parseLsblk(out, uuid)
}

func (l *Lsblk) Mount(ctx context.Context, uuid string) error {
	return cmdrun.Run(ctx, cmdrun.Command{
		Name:    l.udisksctlCmd,
		Args:    l.udisksArgs("mount", uuid),
		Timeout: l.timeout,
	})
}

func (l *Lsblk) Unmount(ctx context.Context, uuid string) error {
	return cmdrun.Run(ctx, cmdrun.Command{
		Name:    l.udisksctlCmd,
		Args:    l.udisksArgs("unmount", uuid),
		Timeout: l.timeout,
	})
}

func (*Lsblk) udisksArgs(verb, uuid string) []string {
	return []string{verb, "-b", "/dev/disk/by-uuid/" + uuid, "--no-user-interaction"}
}

func parseLsblk(data []byte, uuid string) (Status, error) {
	var doc struct {
		BlockDevices []lsblkDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Unknown(), fmt.Errorf("parse lsblk output: %w", err)
	}
	dev, ok := findLsblkDevice(doc.BlockDevices, uuid)
	if !ok {
		return Unknown(), nil
	}
	if dev.Mountpoint != nil && *dev.Mountpoint != "" {
		return Mounted(*dev.Mountpoint), nil
	}
	for _, mp := range dev.Mountpoints {
		if mp != nil && *mp != "" {
			return Mounted(*mp), nil
		}
	}
	return Unmounted(), nil
}

func findLsblkDevice(devices []lsblkDevice, uuid string) (lsblkDevice, bool) {
	for _, dev := range devices {
		if dev.UUID != nil && strings.EqualFold(*dev.UUID, uuid) {
			return dev, true
		}
		if found, ok := findLsblkDevice(dev.Children, uuid); ok {
			return found, true
		}
	}
	return lsblkDevice{}, false
}

// NewDriver returns the driver registered under name.
func NewDriver(name string, timeout time.Duration) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "diskutil":
		return NewDiskutil(timeout), nil
	case "lsblk", "udisks":
		return NewLsblk(timeout), nil
	default:
		return nil, fmt.Errorf("unknown volume probe %q", name)
	}
}
