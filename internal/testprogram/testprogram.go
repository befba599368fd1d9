// Package testprogram implements the TP pipeline (spec §4.2): compiling a
// named testprogram's assembly sources for every distinct memory placement
// a currently assigned target needs, and flashing the resulting ELFs onto
// hardware.
package testprogram

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hiverack/hive/internal/hivetypes"
)

// TestProgram is a named directory containing ARM and RISCV assembly
// sources and, after a build, a set of per-placement ELF artifacts.
type TestProgram struct {
	Name string
	Path string
}

// archDir returns the architecture-specific subdirectory the sources and
// intermediate object files live in.
func (t TestProgram) archDir(arch hivetypes.Architecture) string {
	switch arch {
	case hivetypes.ArchitectureARM:
		return filepath.Join(t.Path, "arm")
	case hivetypes.ArchitectureRISCV:
		return filepath.Join(t.Path, "riscv")
	default:
		return ""
	}
}

// elfName is the stable "main_<nvm_hex>_<ram_hex>.elf" naming scheme spec §3
// requires for a TestProgram's build artifacts.
func elfName(mem hivetypes.Memory) string {
	return fmt.Sprintf("main_%#x_%#x.elf", mem.NVM.Start, mem.RAM.Start)
}

// ELFPath returns the path a given architecture/memory placement's build
// artifact lives (or would live) at.
func (t TestProgram) ELFPath(arch hivetypes.Architecture, mem hivetypes.Memory) string {
	return filepath.Join(t.archDir(arch), elfName(mem))
}

// ParseELFName recovers the NVM and RAM start addresses from an artifact
// path produced by ELFPath; the inverse direction of the naming scheme.
func ParseELFName(path string) (nvmStart, ramStart uint32, err error) {
	name := filepath.Base(path)
	trimmed := strings.TrimSuffix(name, ".elf")
	if trimmed == name {
		return 0, 0, fmt.Errorf("testprogram: %q is not an elf artifact", name)
	}

	parts := strings.Split(trimmed, "_")
	if len(parts) != 3 || parts[0] != "main" {
		return 0, 0, fmt.Errorf("testprogram: %q does not match the main_<nvm>_<ram> scheme", name)
	}
	nvm, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("testprogram: bad nvm address in %q: %w", name, err)
	}
	ram, err := strconv.ParseUint(strings.TrimPrefix(parts[2], "0x"), 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("testprogram: bad ram address in %q: %w", name, err)
	}
	return uint32(nvm), uint32(ram), nil
}
