package volume

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/volback/pkg/cmdrun"
)

// Diskutil drives external disks on macOS.
type Diskutil struct {
	diskutilCmd string
	plutilCmd   string
	timeout     time.Duration
}

func NewDiskutil(timeout time.Duration) *Diskutil {
	return &Diskutil{
		diskutilCmd: "diskutil",
		plutilCmd:   "plutil",
		timeout:     timeout,
	}
}

func (d *Diskutil) Probe(ctx context.Context, uuid string) (Status, error) {
	plist, err := cmdrun.Output(ctx, cmdrun.Command{
		Name:    d.diskutilCmd,
		Args:    d.listArgs(),
		Timeout: d.timeout,
	})
	if err != nil {
		return Unknown(), err
	}
	data, err := cmdrun.Output(ctx, cmdrun.Command{
		Name:    d.plutilCmd,
		Args:    []string{"-convert", "json", "-o", "-", "-"},
		Stdin:   bytes.NewReader(plist),
		Timeout: d.timeout,
	})
	if err != nil {
		return Unknown(), err
	}
	return parseDiskutilList(data, uuid)
}

func (d *Diskutil) Mount(ctx context.Context, uuid string) error {
	return cmdrun.Run(ctx, cmdrun.Command{
		Name:    d.diskutilCmd,
		Args:    d.mountArgs("mount", uuid),
		Timeout: d.timeout,
	})
}

func (d *Diskutil) Unmount(ctx context.Context, uuid string) error {
	return cmdrun.Run(ctx, cmdrun.Command{
		Name:    d.diskutilCmd,
		Args:    d.mountArgs("umount", uuid),
		Timeout: d.timeout,
	})
}

func (*Diskutil) listArgs() []string {
	return []string{"list", "-plist", "external"}
}

func (*Diskutil) mountArgs(verb, uuid string) []string {
	return []string{"quiet", verb, uuid}
}

// parseDiskutilList looks for the volume, APFS or plain partition, anywhere in
// the converted `diskutil list -plist` document. No match means not attached;
// a match without MountPoint means attached but unmounted.
func parseDiskutilList(data []byte, uuid string) (Status, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Unknown(), fmt.Errorf("parse diskutil output: %w", err)
	}
	entry, ok := findByVolumeUUID(doc, uuid)
	if !ok {
		return Unknown(), nil
	}
	if mp, _ := entry["MountPoint"].(string); mp != "" {
		return Mounted(mp), nil
	}
	return Unmounted(), nil
}

func findByVolumeUUID(node any, uuid string) (map[string]any, bool) {
	switch n := node.(type) {
	case map[string]any:
		if id, _ := n["VolumeUUID"].(string); strings.EqualFold(id, uuid) {
			return n, true
		}
		for _, child := range n {
			if found, ok := findByVolumeUUID(child, uuid); ok {
				return found, true
			}
		}
	case []any:
		for _, child := range n {
			if found, ok := findByVolumeUUID(child, uuid); ok {
				return found, true
			}
		}
	}
	return nil, false
}
