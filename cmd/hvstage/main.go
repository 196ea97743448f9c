// Command hvstage stages a hypervisor and its boot modules into a physical
// memory arena, assembles the boot parameter device tree, and writes it out
// for the next boot stage.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/arkver/hvstage/internal/boot"
	"github.com/arkver/hvstage/internal/fdt"
	"github.com/arkver/hvstage/internal/initramfs"
	"github.com/arkver/hvstage/internal/mem"
	"github.com/arkver/hvstage/internal/stage"
)

const usage = `usage:
  hvstage boot -manifest <file> [-dtb <base.dtb>] [-out <params.dtb>] [flags]
  hvstage inspect <params.dtb>
`

func main() {
	// Check for debug flag early (before flag.Parse)
	for _, arg := range os.Args {
		if arg == "-debug" {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			})))
			break
		}
	}

	if err := run(); err != nil {
		slog.Error("hvstage failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing subcommand")
	}

	switch os.Args[1] {
	case "boot":
		return runBoot(os.Args[2:])
	case "inspect":
		return runInspect(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown subcommand %q", os.Args[1])
	}
}

// errStaged marks the point where a real loader would jump into the
// hypervisor; from a hosted process the session ends with the parameter blob
// written instead.
var errStaged = errors.New("staged without control transfer")

func runBoot(args []string) error {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)
	manifestPath := fs.String("manifest", "manifest.yml", "boot manifest file")
	dtbPath := fs.String("dtb", "", "base device tree to extend (optional)")
	outPath := fs.String("out", "params.dtb", "where to write the assembled parameter blob")
	arenaBase := fs.Uint64("arena-base", 0x40000000, "guest-physical base address of the staging arena")
	arenaSize := fs.Int("arena-size", 256<<20, "staging arena size in bytes")
	fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	manifest, err := LoadManifest(*manifestPath)
	if err != nil {
		return err
	}

	arena, err := mem.NewArena(*arenaBase, *arenaSize)
	if err != nil {
		return fmt.Errorf("create staging arena: %w", err)
	}
	defer arena.Close()

	installer := &boot.MemoryInstaller{}
	if *dtbPath != "" {
		base, err := os.ReadFile(*dtbPath)
		if err != nil {
			return fmt.Errorf("read base device tree: %w", err)
		}
		installer.Base = base
	}

	var entryAddr, entrySize uint64
	loader := boot.New(arena, installer, boot.BooterFunc(func(addr, size uint64, bootArgs []byte) error {
		entryAddr, entrySize = addr, size
		return errStaged
	}))
	defer loader.Unload()

	if err := stageManifest(loader, manifest); err != nil {
		return err
	}

	if err := loader.Boot(); !errors.Is(err, errStaged) {
		if err == nil {
			return fmt.Errorf("%w: control transfer returned", stage.ErrIO)
		}
		return err
	}

	if err := os.WriteFile(*outPath, installer.Installed(), 0o644); err != nil {
		return fmt.Errorf("write parameter blob: %w", err)
	}

	fmt.Printf("hypervisor entry %#x size %#x, %d modules, parameters in %s (%d bytes)\n",
		entryAddr, entrySize, len(loader.Registry().Modules()), *outPath, len(installer.Installed()))
	return nil
}

func stageManifest(loader *boot.Loader, manifest *Manifest) error {
	src, size, cleanup, err := openImage(manifest.Hypervisor.Path)
	if err != nil {
		return err
	}
	err = loader.LoadHypervisor(src, size, manifest.Hypervisor.Args)
	cleanup()
	if err != nil {
		return err
	}

	for i, spec := range manifest.Modules {
		cat, err := spec.Category()
		if err != nil {
			return err
		}

		if spec.Dir != "" {
			var buf bytes.Buffer
			if err := initramfs.Build(&buf, os.DirFS(spec.Dir)); err != nil {
				return fmt.Errorf("build ramdisk from %s: %w", spec.Dir, err)
			}
			if err := loader.LoadModule(cat, spec.Compatible,
				bytes.NewReader(buf.Bytes()), int64(buf.Len()), spec.Args); err != nil {
				return fmt.Errorf("module %d (%s): %w", i, spec.Dir, err)
			}
			continue
		}

		src, size, cleanup, err := openImage(spec.Path)
		if err != nil {
			return fmt.Errorf("module %d: %w", i, err)
		}
		err = loader.LoadModule(cat, spec.Compatible, src, size, spec.Args)
		cleanup()
		if err != nil {
			return fmt.Errorf("module %d (%s): %w", i, spec.Path, err)
		}
	}
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("inspect takes one parameter blob")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read parameter blob: %w", err)
	}
	root, err := fdt.Parse(data)
	if err != nil {
		return fmt.Errorf("parse parameter blob: %w", err)
	}

	chosen, ok := root.Child("chosen")
	if !ok {
		return fmt.Errorf("%w: blob has no chosen node", stage.ErrIO)
	}

	if bootargs, ok := chosen.PropertyString("bootargs"); ok {
		fmt.Printf("bootargs: %s\n", bootargs)
	}
	for _, node := range chosen.Children {
		addr, size, ok := node.PropertyU64Pair("reg")
		if !ok {
			fmt.Printf("%s: no reg property\n", node.Name)
			continue
		}
		compat, _ := node.PropertyString("compatible")
		line := fmt.Sprintf("%s: %s @ %#x size %#x", node.Name, firstCompat(compat), addr, size)
		if args, ok := node.PropertyString("bootargs"); ok {
			line += fmt.Sprintf(" args %q", args)
		}
		fmt.Println(line)
	}
	return nil
}

func firstCompat(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return s[:i]
		}
	}
	return s
}
