package capacity

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"chat-relay/internal/buffer"
	"chat-relay/internal/session"
)

// Footprint is the relay's fixed memory budget for connection-facing
// state. Unlike a dynamically sized service, everything here is known
// at compile time: the pool never grows and the table never
// reallocates.
type Footprint struct {
	PoolBytes    int
	InputBytes   int
	TableEntries int
}

// Fixed returns the compile-time footprint.
func Fixed() Footprint {
	return Footprint{
		PoolBytes:    buffer.PoolSize * buffer.BufCap,
		InputBytes:   session.MaxConn * buffer.BufCap,
		TableEntries: session.MaxConn,
	}
}

// Report logs the host resources next to the fixed footprint at
// startup. The numbers are informational; the relay does not adapt
// its limits to them.
func Report(log *zap.Logger) {
	fp := Fixed()

	fields := []zap.Field{
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
		zap.Int("pool_bytes", fp.PoolBytes),
		zap.Int("max_input_bytes", fp.InputBytes),
		zap.Int("table_capacity", fp.TableEntries),
	}

	if counts, err := cpu.Counts(true); err == nil {
		fields = append(fields, zap.Int("host_cpus", counts))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields = append(fields,
			zap.Uint64("host_mem_total", vm.Total),
			zap.Uint64("host_mem_available", vm.Available),
		)
	}

	log.Info("capacity report", fields...)
}
