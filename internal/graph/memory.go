package graph

import (
	"github.com/shirou/gopsutil/v3/mem"

	"cadgraph/internal/logging"
)

// MemoryMonitor reports system memory so the batcher can size batches and
// apply backpressure.
type MemoryMonitor interface {
	UsedPercent() float64
	AvailableMB() float64
}

// SystemMemory reads live system memory through gopsutil.
type SystemMemory struct{}

func (SystemMemory) UsedPercent() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logging.GraphWarn("memory probe failed: %v", err)
		return 0
	}
	return vm.UsedPercent
}

func (SystemMemory) AvailableMB() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		// Assume the 1 GB baseline so batch sizing stays at its base value.
		return 1024
	}
	return float64(vm.Available) / (1024 * 1024)
}

// FixedMemory is the test double: constant readings, no system calls.
type FixedMemory struct {
	Used      float64
	Available float64
}

func (f FixedMemory) UsedPercent() float64 { return f.Used }
func (f FixedMemory) AvailableMB() float64 { return f.Available }
