package stats

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// HostCPU describes the machine a run trained on, for example
// "AMD EPYC 7B13 (8 cores, amd64)".
func HostCPU() string {
	brand := strings.TrimSpace(cpuid.CPU.BrandName)
	if brand == "" {
		brand = "unknown cpu"
	}
	cores := cpuid.CPU.PhysicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	return fmt.Sprintf("%s (%d cores, %s)", brand, cores, runtime.GOARCH)
}
