// Package meta builds the side tables a CompiledMethod carries for the
// runtime: the vmap describing where virtual registers live, the native-PC
// to source-PC mapping table, and the GC root map the stack scanner walks.
// These tables are the compiled method's contract with the runtime; they
// must agree exactly with the allocation and the emitted code.
package meta

import (
	"encoding/binary"
	"sort"
)

// VmapFrameSentinel separates register-promoted entries from the frame in
// the vmap. It is inserted only when the method actually has a frame.
const VmapFrameSentinel = 0xFFFF

// CoreEntry is one core-register vmap record before the table is built. The
// virtual register doubles as the sort key; the physical register is implied
// by table position and spill-mask order at runtime, so only the virtual
// register number survives into the table.
type CoreEntry struct {
	VReg uint16
	Reg  uint8
}

// BuildVmap produces the combined vmap: core entries sorted by virtual
// register, a frame sentinel iff frameSize > 0, then floating-point entries
// exactly as given (they arrive in register-class order and are not
// re-sorted).
func BuildVmap(core []CoreEntry, fp []uint16, frameSize int32) []uint16 {
	sorted := append([]CoreEntry(nil), core...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VReg < sorted[j].VReg })

	table := make([]uint16, 0, len(sorted)+1+len(fp))
	for _, e := range sorted {
		table = append(table, e.VReg)
	}
	if frameSize > 0 {
		table = append(table, VmapFrameSentinel)
	}
	return append(table, fp...)
}

// PCEntry maps one native code offset to the bytecode offset it came from.
type PCEntry struct {
	Native uint32
	Source uint32
}

// BuildMappingTable converts assembly's (native, source) pairs into the
// final table, preserving code order.
func BuildMappingTable(pairs [][2]int32) []PCEntry {
	out := make([]PCEntry, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, PCEntry{Native: uint32(p[0]), Source: uint32(p[1])})
	}
	return out
}

// GCMap is the opaque root map handed to the collector. Layout: entry count,
// then per safepoint its native offset, the core-register reference mask,
// and the stack-slot reference mask, all little-endian.
type GCMap []byte

// BuildGCMap records, for every safepoint, which physical registers and
// frame slots hold live object references. The masks are method-wide and
// conservative: a location that ever holds a reference is reported at every
// safepoint.
func BuildGCMap(safepoints []int32, regMask uint32, slotMask uint64) GCMap {
	buf := make([]byte, 4, 4+len(safepoints)*16)
	binary.LittleEndian.PutUint32(buf, uint32(len(safepoints)))
	var tmp [16]byte
	for _, off := range safepoints {
		binary.LittleEndian.PutUint32(tmp[0:], uint32(off))
		binary.LittleEndian.PutUint32(tmp[4:], regMask)
		binary.LittleEndian.PutUint64(tmp[8:], slotMask)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// Safepoints decodes the native offsets recorded in a GC map. Used by tests
// and diagnostic tooling; the runtime reads the raw layout directly.
func (m GCMap) Safepoints() []uint32 {
	if len(m) < 4 {
		return nil
	}
	n := binary.LittleEndian.Uint32(m)
	out := make([]uint32, 0, n)
	for i := uint32(0); i < n && 4+int(i)*16+4 <= len(m); i++ {
		out = append(out, binary.LittleEndian.Uint32(m[4+i*16:]))
	}
	return out
}
