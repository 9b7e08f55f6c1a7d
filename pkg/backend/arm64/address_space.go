//go:build linux

package arm64

import (
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"dynarec/pkg/errors"
	"dynarec/pkg/ir"
)

// nearlyFullThreshold is the arena headroom below which the next
// GetOrEmit wholesale-resets the cache instead of compiling into the
// remainder.
const nearlyFullThreshold = 1024 * 1024

// AddressSpace maps guest locations to emitted host code. It owns the
// arena, the prelude, the per-generation block tables, and the linking
// protocol between blocks. All operations run on the single emitter
// thread, except FastmemCallback, which runs inside the fault handler
// on the faulting thread and reads the block tables (invalidating the
// block for recompile sites). Only the fastmem marker set is guarded
// by a lock.
type AddressSpace struct {
	conf    *EmitConfig
	logger  *zap.Logger
	arena   *Arena
	prelude *PreludeInfo
	fastmem *FastmemManager
	handler *ExceptionHandler

	// registry, when set, is told about every new block for
	// profiling and unwinding.
	registry *BlockRegistry

	blockEntries    map[ir.LocationDescriptor]CodePtr
	reverseEntries  reverseIndex
	blockInfos      map[CodePtr]*EmittedBlockInfo
	blockReferences map[ir.LocationDescriptor]map[CodePtr]struct{}
}

// NewAddressSpace maps an arena of cacheSize bytes, emits the prelude,
// and registers the fault handler over the region.
func NewAddressSpace(conf *EmitConfig, cacheSize int, logger *zap.Logger) (*AddressSpace, error) {
	if cacheSize > maxCacheSize {
		return nil, errors.New(errors.KindConfig, "code cache size %d exceeds the %d byte branch-range limit", cacheSize, maxCacheSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	arena, err := NewArena(cacheSize)
	if err != nil {
		return nil, err
	}

	s := &AddressSpace{
		conf:            conf,
		logger:          logger.Named("arm64"),
		arena:           arena,
		fastmem:         NewFastmemManager(),
		blockEntries:    make(map[ir.LocationDescriptor]CodePtr),
		blockInfos:      make(map[CodePtr]*EmittedBlockInfo),
		blockReferences: make(map[ir.LocationDescriptor]map[CodePtr]struct{}),
	}

	s.prelude = EmitPrelude(arena, conf.HostHandlers)
	arena.Invalidate(arena.Ptr(), int(s.prelude.EndOfPrelude-arena.Ptr()))
	arena.Protect()

	handler, err := RegisterExceptionHandler(arena, s.FastmemCallback)
	if err != nil {
		err = multierr.Append(err, arena.Close())
		return nil, fmt.Errorf("failed to register exception handler: %w", err)
	}
	s.handler = handler

	s.logger.Debug("address space ready",
		zap.Uintptr("base", uintptr(arena.Ptr())),
		zap.Int("size", arena.Size()),
		zap.Uintptr("end_of_prelude", uintptr(s.prelude.EndOfPrelude)))

	return s, nil
}

// Close deregisters the fault handler and unmaps the arena.
func (s *AddressSpace) Close() error {
	var err error
	if s.handler != nil {
		err = multierr.Append(err, s.handler.Close())
		s.handler = nil
	}
	err = multierr.Append(err, s.arena.Close())
	return err
}

// Prelude exposes the prelude layout.
func (s *AddressSpace) Prelude() *PreludeInfo {
	return s.prelude
}

// Fastmem exposes the fastmem manager.
func (s *AddressSpace) Fastmem() *FastmemManager {
	return s.fastmem
}

// SetRegistry installs the external block registry notified on every
// emission.
func (s *AddressSpace) SetRegistry(registry *BlockRegistry) {
	s.registry = registry
}

// Get is a pure lookup: the entry point for a descriptor, or zero.
func (s *AddressSpace) Get(descriptor ir.LocationDescriptor) CodePtr {
	return s.blockEntries[descriptor]
}

// ReverseGetEntryPoint returns the greatest entry point at or below
// hostPC, or zero if none.
func (s *AddressSpace) ReverseGetEntryPoint(hostPC CodePtr) CodePtr {
	entry, _, ok := s.reverseEntries.floor(hostPC)
	if !ok {
		return 0
	}
	return entry
}

// ReverseGetLocation returns the descriptor of the block containing
// hostPC, going by entry point.
func (s *AddressSpace) ReverseGetLocation(hostPC CodePtr) (ir.LocationDescriptor, bool) {
	_, location, ok := s.reverseEntries.floor(hostPC)
	return location, ok
}

// GetOrEmit returns the entry point for a descriptor, compiling on
// miss. A nearly full arena is wholesale-reset first.
func (s *AddressSpace) GetOrEmit(descriptor ir.LocationDescriptor) CodePtr {
	if entry := s.Get(descriptor); entry != 0 {
		return entry
	}

	if s.IsNearlyFull() {
		s.ClearCache()
	}

	return s.Compile(descriptor)
}

// GetRemainingSize returns the free arena bytes in this generation.
func (s *AddressSpace) GetRemainingSize() int {
	return s.arena.Size() - int(s.arena.Cursor()-s.arena.Ptr())
}

// IsNearlyFull reports whether the next compilation should reset the
// cache first.
func (s *AddressSpace) IsNearlyFull() bool {
	return s.GetRemainingSize() < nearlyFullThreshold
}

// Compile emits the block for descriptor and, with multi-block
// compilation enabled, greedily drains its control-flow successors.
// The whole newly written range gets one instruction-cache flush.
func (s *AddressSpace) Compile(descriptor ir.LocationDescriptor) CodePtr {
	start := s.arena.Cursor()

	s.arena.Unprotect()

	var next []ir.LocationDescriptor

	doBlock := func(descriptor ir.LocationDescriptor) CodePtr {
		block := s.conf.GenerateIR(descriptor)
		appendNextBlocks(&next, block.Terminal())
		return s.emit(block)
	}

	result := doBlock(descriptor)
	if s.conf.HasOptimization(OptMultiBlockCompilation) {
		for len(next) > 0 && !s.IsNearlyFull() {
			n := next[0]
			next = next[1:]
			if s.Get(n) == 0 {
				doBlock(n)
			}
		}
	}

	s.arena.Invalidate(start, int(s.arena.Cursor()-start))
	s.arena.Protect()

	return result
}

// emit lowers one block at the cursor and wires it into the cache:
// unique insertion into the forward, reverse and info tables, helper
// and inter-block linking, then a relink of every older block waiting
// on this descriptor.
func (s *AddressSpace) emit(block *ir.Block) CodePtr {
	cursor := s.arena.Cursor()
	buf := s.arena.Slice(cursor, s.GetRemainingSize())

	info := EmitArm64(buf, cursor, block, s.conf, s.fastmem)
	s.arena.SetCursor(cursor + CodePtr(info.Size))

	if _, dup := s.blockEntries[block.Location]; dup {
		panic(fmt.Sprintf("arm64: duplicate block entry for %v", block.Location))
	}
	s.blockEntries[block.Location] = info.EntryPoint
	if !s.reverseEntries.insert(info.EntryPoint, block.Location) {
		panic(fmt.Sprintf("arm64: duplicate reverse entry at %#x", uintptr(info.EntryPoint)))
	}
	if _, dup := s.blockInfos[info.EntryPoint]; dup {
		panic(fmt.Sprintf("arm64: duplicate block info at %#x", uintptr(info.EntryPoint)))
	}
	s.blockInfos[info.EntryPoint] = info

	s.Link(info)
	s.RelinkForDescriptor(block.Location, info.EntryPoint)

	if s.registry != nil {
		s.registry.NotifyNewBlock(block.Location, info, s.arena.Slice(info.EntryPoint, info.Size))
	}

	s.logger.Debug("emitted block",
		zap.Stringer("location", block.Location),
		zap.Uintptr("entry", uintptr(info.EntryPoint)),
		zap.Int("size", info.Size))

	return info.EntryPoint
}

// InvalidateBasicBlocks drops the given descriptors from the forward
// table. References into each block are unlinked before the erase:
// invalidation can arrive from inside a fastmem callback while the
// block (possibly self-referencing) is mid-execution, and no live
// branch may point at a freed address. The reverse and info tables are
// kept so faults inside the dead bytes remain diagnosable until the
// next ClearCache.
func (s *AddressSpace) InvalidateBasicBlocks(descriptors map[ir.LocationDescriptor]struct{}) {
	s.arena.Unprotect()

	for descriptor := range descriptors {
		if _, ok := s.blockEntries[descriptor]; !ok {
			continue
		}
		s.RelinkForDescriptor(descriptor, 0)
		delete(s.blockEntries, descriptor)
	}

	s.arena.Protect()
}

// InvalidateCacheRange invalidates every resident block whose guest PC
// falls within [start, start+size).
func (s *AddressSpace) InvalidateCacheRange(start uint32, size uint32) {
	hits := make(map[ir.LocationDescriptor]struct{})
	for descriptor := range s.blockEntries {
		if pc := descriptor.PC(); pc >= start && uint64(pc) < uint64(start)+uint64(size) {
			hits[descriptor] = struct{}{}
		}
	}
	if len(hits) > 0 {
		s.InvalidateBasicBlocks(hits)
	}
}

// ClearCache drops every table and rewinds the cursor to the end of
// the prelude. Fastmem markers survive: a site that faulted once is
// not re-optimistically inlined just because the generation rolled
// over.
func (s *AddressSpace) ClearCache() {
	s.logger.Debug("clearing code cache",
		zap.Int("blocks", len(s.blockInfos)),
		zap.Int("remaining", s.GetRemainingSize()))

	s.blockEntries = make(map[ir.LocationDescriptor]CodePtr)
	s.reverseEntries = reverseIndex{}
	s.blockInfos = make(map[CodePtr]*EmittedBlockInfo)
	s.blockReferences = make(map[ir.LocationDescriptor]map[CodePtr]struct{})
	s.arena.SetCursor(s.prelude.EndOfPrelude)
}

// FastmemCallback maps a faulting host PC back to its patch site and
// returns the recorded diversion. Optionally marks the site and
// invalidates its block so the next compilation takes the slow path. A
// fault anywhere else inside the arena is memory corruption or a
// miscompile; continuing would silently diverge the guest.
func (s *AddressSpace) FastmemCallback(hostPC uintptr) (FakeCall, bool) {
	entryPoint := s.ReverseGetEntryPoint(CodePtr(hostPC))
	if entryPoint == 0 {
		return s.failFastmem(hostPC, "no block at or below the faulting pc")
	}

	info, ok := s.blockInfos[entryPoint]
	if !ok {
		return s.failFastmem(hostPC, "no block info for the containing block")
	}

	patch, ok := info.FastmemPatchInfo[int(CodePtr(hostPC)-entryPoint)]
	if !ok {
		return s.failFastmem(hostPC, "fault outside any fastmem patch site")
	}

	if patch.Recompile {
		s.fastmem.MarkDoNotFastmem(patch.Marker)
		s.InvalidateBasicBlocks(map[ir.LocationDescriptor]struct{}{
			patch.Marker.Location: {},
		})
	}

	return patch.FC, true
}

func (s *AddressSpace) failFastmem(hostPC uintptr, reason string) (FakeCall, bool) {
	s.logger.Error("segfault within jitted code",
		zap.Uintptr("host_pc", hostPC),
		zap.String("reason", reason))
	return FakeCall{}, false
}

// reverseIndex is the ordered (entry point -> descriptor) mapping.
// Entry points are allocated monotonically within a generation, so
// inserts are appends in the common case; invalidation never removes
// entries, only ClearCache resets the whole index.
type reverseIndex struct {
	entries   []CodePtr
	locations map[CodePtr]ir.LocationDescriptor
}

func (r *reverseIndex) insert(entry CodePtr, location ir.LocationDescriptor) bool {
	if r.locations == nil {
		r.locations = make(map[CodePtr]ir.LocationDescriptor)
	}
	if _, dup := r.locations[entry]; dup {
		return false
	}
	r.locations[entry] = location

	n := len(r.entries)
	if n == 0 || r.entries[n-1] < entry {
		r.entries = append(r.entries, entry)
		return true
	}
	i := sort.Search(n, func(i int) bool { return r.entries[i] > entry })
	r.entries = append(r.entries, 0)
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = entry
	return true
}

// floor locates the greatest entry point <= p.
func (r *reverseIndex) floor(p CodePtr) (CodePtr, ir.LocationDescriptor, bool) {
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i] > p })
	if i == 0 {
		return 0, 0, false
	}
	entry := r.entries[i-1]
	return entry, r.locations[entry], true
}
