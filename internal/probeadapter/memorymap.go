package probeadapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hiverack/hive/internal/hivetypes"
)

// memRegionLine matches memory-map lines of `probe-rs chip info`, e.g.
//
//	NVM: 0x08000000..0x08008000 (32 KiB)
//	RAM: 0x20000000..0x20001000 (4 KiB)
var memRegionLine = regexp.MustCompile(`^(NVM|FLASH|RAM):\s+0x([0-9a-fA-F]+)\.\.0x([0-9a-fA-F]+)`)

// MemoryMap resolves a target's NVM/RAM placement by asking probe-rs's chip
// registry: the largest non-volatile region and the largest RAM region, as
// the registry reports them for the first core.
func (c *CLI) MemoryMap(ctx context.Context, targetName string, arch hivetypes.Architecture) (*hivetypes.Memory, error) {
	if arch != hivetypes.ArchitectureARM && arch != hivetypes.ArchitectureRISCV {
		return nil, fmt.Errorf("probeadapter: unsupported architecture %s", arch)
	}

	out, err := c.run(ctx, "chip", "info", targetName)
	if err != nil {
		return nil, err
	}

	var nvm, ram *hivetypes.MemoryRange
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		m := memRegionLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		start, err1 := strconv.ParseUint(m[2], 16, 32)
		end, err2 := strconv.ParseUint(m[3], 16, 32)
		if err1 != nil || err2 != nil || end <= start {
			continue
		}
		r := hivetypes.MemoryRange{Start: uint32(start), End: uint32(end)}

		switch m[1] {
		case "RAM":
			if ram == nil || r.Size() > ram.Size() {
				ram = &r
			}
		default: // NVM, FLASH
			if nvm == nil || r.Size() > nvm.Size() {
				nvm = &r
			}
		}
	}

	if nvm == nil || ram == nil {
		return nil, fmt.Errorf("probeadapter: target %s has no usable NVM/RAM regions in the registry", targetName)
	}
	return &hivetypes.Memory{NVM: *nvm, RAM: *ram}, nil
}
