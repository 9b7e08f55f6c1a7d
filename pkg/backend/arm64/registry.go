package arm64

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"dynarec/pkg/ir"
)

// BlockRegistry is the external observer of block emission: it feeds
// profilers and unwinders. It writes the perf jit interface's map
// format (one "start size name" line per symbol) and keeps enough
// metadata for a cache-state dump.
//
// Blocks are never relocated, so a registered record stays valid until
// the generation rolls over; the registry keeps superseded generations
// in the map file, which is how perf expects self-modifying jits to
// behave.
type BlockRegistry struct {
	mu     sync.Mutex
	out    io.WriteCloser
	logger *zap.Logger
	blocks []RegisteredBlock
}

// RegisteredBlock is one emission record.
type RegisteredBlock struct {
	Location   uint64 `json:"location"`
	EntryPoint uint64 `json:"entry_point"`
	Size       int    `json:"size"`
	Symbol     string `json:"symbol"`
}

// NewBlockRegistry opens the perf map file for this process.
func NewBlockRegistry(logger *zap.Logger) (*BlockRegistry, error) {
	path := fmt.Sprintf("/tmp/perf-%d.map", os.Getpid())
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open perf map %s: %w", path, err)
	}
	return NewBlockRegistryWriter(out, logger), nil
}

// NewBlockRegistryWriter builds a registry over an arbitrary sink.
func NewBlockRegistryWriter(out io.WriteCloser, logger *zap.Logger) *BlockRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlockRegistry{out: out, logger: logger.Named("registry")}
}

// NotifyNewBlock records an emitted block. The symbol name carries the
// guest location and a short content hash so recompilations of the
// same location stay distinguishable in profiles.
func (r *BlockRegistry) NotifyNewBlock(location ir.LocationDescriptor, info *EmittedBlockInfo, code []byte) {
	sum := blake2b.Sum256(code)
	symbol := fmt.Sprintf("jit_block_%08x_%x", location.PC(), sum[:4])

	record := RegisteredBlock{
		Location:   uint64(location),
		EntryPoint: uint64(info.EntryPoint),
		Size:       info.Size,
		Symbol:     symbol,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, record)
	if _, err := fmt.Fprintf(r.out, "%x %x %s\n", record.EntryPoint, record.Size, symbol); err != nil {
		r.logger.Warn("perf map write failed", zap.Error(err))
	}
}

// DumpState writes the registry's view of the cache as JSON.
func (r *BlockRegistry) DumpState(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := json.Marshal(struct {
		Blocks []RegisteredBlock `json:"blocks"`
	}{Blocks: r.blocks})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Close closes the perf map sink.
func (r *BlockRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Close()
}
