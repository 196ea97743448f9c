package boot

import (
	"fmt"
	"log/slog"

	"github.com/arkver/hvstage/internal/fdt"
	"github.com/arkver/hvstage/internal/stage"
)

const (
	// nodeNameMax is the ePAPR v1.1 node name ceiling:
	// 31 (name) + 1 ('@') + 16 (64-bit hex address) + 1 (NUL).
	nodeNameMax = 49

	// baseEstimate is the fixed overhead reserved on top of the per-record
	// allowances. Empirical, not a derived bound; every blob write still
	// checks capacity.
	baseEstimate = 4096

	// moduleNodeAllowance multiplies nodeNameMax to leave headroom for a
	// module's node, its properties, and structural padding.
	moduleNodeAllowance = 6

	moduleNodePrefix = "module@"
)

// estimateParamsSize computes the conservative capacity to reserve before
// any property is written, so assembly never reallocates.
func estimateParamsSize(reg *stage.Registry) int {
	estimate := baseEstimate + nodeNameMax
	if hv := reg.Hypervisor(); hv != nil {
		estimate += len(hv.BootArgs)
	}
	for _, m := range reg.Modules() {
		estimate += moduleNodeAllowance*nodeNameMax + m.Compat.Len() + len(m.BootArgs)
	}
	return estimate
}

// moduleNodeName formats a module's device-tree node name from its aligned
// start address, in lowercase hex with no zero padding.
func moduleNodeName(addr uint64) (string, error) {
	name := fmt.Sprintf("%s%x", moduleNodePrefix, addr)
	if len(name) <= len(moduleNodePrefix) {
		return "", fmt.Errorf("%w: malformed module node name %q", stage.ErrIO, name)
	}
	return name, nil
}

// finalizeParams builds the parameter blob describing the staged session and
// installs it. A failure after blob creation discards the partial blob.
func (l *Loader) finalizeParams() error {
	blob, err := l.params.Create(estimateParamsSize(&l.reg))
	if err != nil {
		return fmt.Errorf("%w: failed to get parameter blob: %v", stage.ErrIO, err)
	}

	if err := l.writeParams(blob); err != nil {
		l.params.Discard()
		return fmt.Errorf("%w: failed to install/update parameters: %v", stage.ErrIO, err)
	}

	if err := l.params.Install(blob); err != nil {
		l.params.Discard()
		return fmt.Errorf("%w: failed to install/update parameters: %v", stage.ErrIO, err)
	}
	return nil
}

func (l *Loader) writeParams(blob *fdt.Blob) error {
	chosen, err := blob.EnsureNode(fdt.RootNode, "chosen")
	if err != nil {
		return fmt.Errorf("get chosen node: %w", err)
	}

	hv := l.reg.Hypervisor()
	if hv == nil {
		return fmt.Errorf("no hypervisor staged")
	}

	// The hypervisor's bootargs carry exactly the stored length; the caller
	// already included the terminator when the arguments were built.
	if err := blob.SetProperty(chosen, "bootargs", hv.BootArgs); err != nil {
		return err
	}
	slog.Debug("hypervisor params written", "bootargs", len(hv.BootArgs))

	for _, m := range l.reg.Modules() {
		if !m.Staged() {
			return fmt.Errorf("module %s has no staged image", m.Name)
		}
		if err := l.writeModuleParams(blob, chosen, m); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) writeModuleParams(blob *fdt.Blob, chosen int, m *stage.Binary) error {
	name, err := moduleNodeName(m.AlignedAddr())
	if err != nil {
		return err
	}

	node, err := blob.EnsureNode(chosen, name)
	if err != nil {
		return fmt.Errorf("get node %s: %w", name, err)
	}

	if err := blob.SetProperty(node, "compatible", m.Compat.Bytes()); err != nil {
		return err
	}
	if err := blob.SetReg64(node, m.AlignedAddr(), m.Size); err != nil {
		return err
	}

	if len(m.BootArgs) > 0 {
		// Module bootargs reserve one byte beyond the stored length. The
		// asymmetry against the hypervisor path is inherited behavior that
		// next-stage consumers rely on.
		args := make([]byte, len(m.BootArgs)+1)
		copy(args, m.BootArgs)
		if err := blob.SetProperty(node, "bootargs", args); err != nil {
			return err
		}
	}

	slog.Debug("module params written",
		"node", name,
		"compatible", m.Compat.First(),
		"size", m.Size,
		"bootargs", len(m.BootArgs))
	return nil
}
