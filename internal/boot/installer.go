package boot

import (
	"fmt"

	"github.com/arkver/hvstage/internal/fdt"
)

// MemoryInstaller is a ParamInstaller that keeps the parameter blob in host
// memory. When Base is set, every created blob starts from that device tree;
// otherwise assembly starts from an empty tree.
type MemoryInstaller struct {
	Base []byte

	installed []byte
}

// Create implements ParamInstaller. The estimate is extra room on top of the
// base tree.
func (mi *MemoryInstaller) Create(estimate int) (*fdt.Blob, error) {
	if len(mi.Base) > 0 {
		blob, err := fdt.LoadBlob(mi.Base, estimate)
		if err != nil {
			return nil, fmt.Errorf("load base device tree: %w", err)
		}
		return blob, nil
	}
	return fdt.NewBlob(estimate)
}

// Install implements ParamInstaller.
func (mi *MemoryInstaller) Install(blob *fdt.Blob) error {
	mi.installed = append([]byte(nil), blob.Bytes()...)
	return nil
}

// Discard implements ParamInstaller.
func (mi *MemoryInstaller) Discard() {
	mi.installed = nil
}

// Installed returns the most recently installed blob, or nil.
func (mi *MemoryInstaller) Installed() []byte { return mi.installed }

var _ ParamInstaller = (*MemoryInstaller)(nil)
