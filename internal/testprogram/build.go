package testprogram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/hiverack/hive/internal/hiveconfig"
	"github.com/hiverack/hive/internal/hivetypes"
)

// ErrObjectFileNotFound is returned when linking is attempted before
// assembly produced an object file.
var ErrObjectFileNotFound = errors.New("testprogram: object file not found, assemble before linking")

// BuildError wraps a captured stderr/stdout from a failed external
// assembler or linker invocation.
type BuildError struct {
	Stage string // "assemble" or "link"
	Msg   string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("testprogram: %s failed: %s", e.Stage, e.Msg)
}

// MemoryMapLookup is the external collaborator that knows each target's
// memory map — there is no Go-ecosystem equivalent of the original
// implementation's chip database, so this package depends only on the
// narrow contract it actually needs from one.
type MemoryMapLookup interface {
	// MemoryMap returns the chosen NVM/RAM ranges for a target: the
	// largest bootable, first-core non-volatile region, and the largest
	// first-core RAM region. Returns an error if the architecture is
	// unsupported or no suitable range exists.
	MemoryMap(ctx context.Context, targetName string, arch hivetypes.Architecture) (*hivetypes.Memory, error)
}

func assembleAndLink(ctx context.Context, tc hiveconfig.ToolchainConfig, tp TestProgram, arch hivetypes.Architecture, mem hivetypes.Memory) error {
	if err := assemble(ctx, tc, tp, arch); err != nil {
		return err
	}
	return link(ctx, tc, tp, arch, mem)
}

func assemble(ctx context.Context, tc hiveconfig.ToolchainConfig, tp TestProgram, arch hivetypes.Architecture) error {
	dir := tp.archDir(arch)
	var cmd *exec.Cmd
	switch arch {
	case hivetypes.ArchitectureARM:
		cmd = exec.CommandContext(ctx, tc.ArmAssembler, "-g", "main.S", "-o", "main.o", "-mthumb")
	case hivetypes.ArchitectureRISCV:
		cmd = exec.CommandContext(ctx, tc.RiscvAssembler, "main.S", "-o", "main.o")
	default:
		return fmt.Errorf("testprogram: cannot assemble unknown architecture %s", arch)
	}
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	return &BuildError{Stage: "assemble", Msg: string(out)}
}

func link(ctx context.Context, tc hiveconfig.ToolchainConfig, tp TestProgram, arch hivetypes.Architecture, mem hivetypes.Memory) error {
	dir := tp.archDir(arch)
	objPath := dir + "/main.o"
	if _, err := os.Stat(objPath); err != nil {
		return ErrObjectFileNotFound
	}

	var elfFmt, linker string
	switch arch {
	case hivetypes.ArchitectureARM:
		elfFmt, linker = "elf32-littlearm", tc.ArmLinker
	case hivetypes.ArchitectureRISCV:
		elfFmt, linker = "elf32-littleriscv", tc.RiscvLinker
	default:
		return fmt.Errorf("testprogram: cannot link unknown architecture %s", arch)
	}

	cmd := exec.CommandContext(ctx, linker,
		"-b", elfFmt,
		"main.o",
		"-o", elfName(mem),
		fmt.Sprintf("-Ttext=%#x", mem.NVM.Start),
		fmt.Sprintf("-Tdata=%#x", mem.RAM.Start),
	)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	return &BuildError{Stage: "link", Msg: string(out)}
}
