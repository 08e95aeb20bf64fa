// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"encoding/json"

	"github.com/diskarbd/diskarbd/pkg/errors"
)

// lsblkOutput mirrors lsblk's JSON schema for the fields the daemon cares
// about when seeding the registry and reconciling against it.
type lsblkOutput struct {
	BlockDevices []blockDevice `json:"blockdevices"`
}

type blockDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	KName      string        `json:"kname"`
	Type       string        `json:"type"`
	Size       uint64        `json:"size"`
	RO         bool          `json:"ro"`
	RM         bool          `json:"rm"`
	Mountpoint *string       `json:"mountpoint"`
	FSType     *string       `json:"fstype"`
	UUID       *string       `json:"uuid"`
	Label      *string       `json:"label"`
	PKName     *string       `json:"pkname"`
	Children   []blockDevice `json:"children,omitempty"`
}

func (bd blockDevice) IsWholeDisk() bool { return bd.Type == "disk" }

func parseLsblkJSON(data []byte) ([]blockDevice, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, errors.IngestReconciliationFailed).
			WithMetadata("operation", "unmarshal_lsblk_json")
	}
	return out.BlockDevices, nil
}

// flatten walks the lsblk tree (whole disks nesting their partitions as
// children) into a flat list, recording each device's parent kernel name.
func flatten(devices []blockDevice, parent string) []blockDevice {
	var out []blockDevice
	for _, d := range devices {
		d.PKName = orNil(parent, d.PKName)
		out = append(out, d)
		if len(d.Children) > 0 {
			out = append(out, flatten(d.Children, d.Name)...)
		}
	}
	return out
}

func orNil(parent string, existing *string) *string {
	if existing != nil {
		return existing
	}
	if parent == "" {
		return nil
	}
	p := parent
	return &p
}
