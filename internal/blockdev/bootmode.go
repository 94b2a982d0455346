package blockdev

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BootMode is the firmware interface of the running environment.
type BootMode string

const (
	BIOS BootMode = "BIOS"
	UEFI BootMode = "UEFI"
)

// DetectBootMode reports UEFI iff the environment exposes EFI firmware
// variables under sysRoot (normally "/sys"). It is a property of the host,
// not of any disk.
func DetectBootMode(sysRoot string) BootMode {
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	if st, err := os.Stat(filepath.Join(sysRoot, "firmware", "efi")); err == nil && st.IsDir() {
		return UEFI
	}
	return BIOS
}

func ParseBootMode(s string) (BootMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BIOS", "LEGACY":
		return BIOS, nil
	case "UEFI", "EFI":
		return UEFI, nil
	}
	return "", fmt.Errorf("unknown boot mode %q", s)
}
