// Package kernel holds the reference control-flow kernel in every form the
// harness can run it, plus the minimal wasm encoder used to build it and
// the host memory provider module.
package kernel

// Section ids and opcodes from the WebAssembly core binary format.
const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secCode     = 10

	kindFunc   = 0x00
	kindMemory = 0x02
	kindGlobal = 0x03

	valI32 = 0x7f

	opBlock     = 0x02
	opLoop      = 0x03
	opBr        = 0x0c
	opBrIf      = 0x0d
	opEnd       = 0x0b
	opLocalGet  = 0x20
	opLocalSet  = 0x21
	opGlobalGet = 0x23
	opI32Load   = 0x28
	opI32Store  = 0x36
	opI32Const  = 0x41
	opI32Ne     = 0x47
	opI32Add    = 0x6a

	blockVoid = 0x40
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if done {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func section(id byte, body []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(body)))...)
	return append(out, body...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// MemoryModule returns a module that defines one memory of the given size in
// pages and exports it as exportName. Instantiated under the kernel's import
// module name, it stands in for the host-provided memory.
func MemoryModule(exportName string, pages uint32) []byte {
	limits := cat([]byte{0x00}, uleb(uint64(pages)))
	return cat(
		wasmHeader,
		section(secMemory, vec(limits)),
		section(secExport, vec(cat(name(exportName), []byte{kindMemory}, uleb(0)))),
	)
}

// code is a tiny instruction emitter for function bodies.
type code []byte

func (c *code) op(b ...byte) { *c = append(*c, b...) }

func (c *code) localGet(i uint32) {
	c.op(opLocalGet)
	c.op(uleb(uint64(i))...)
}

func (c *code) localSet(i uint32) {
	c.op(opLocalSet)
	c.op(uleb(uint64(i))...)
}

func (c *code) globalGet(i uint32) {
	c.op(opGlobalGet)
	c.op(uleb(uint64(i))...)
}

func (c *code) i32Const(v int32) {
	c.op(opI32Const)
	c.op(sleb(int64(v))...)
}

func (c *code) i32Load()  { c.op(opI32Load, 0x02, 0x00) }
func (c *code) i32Store() { c.op(opI32Store, 0x02, 0x00) }

func (c *code) brIf(depth uint32) {
	c.op(opBrIf)
	c.op(uleb(uint64(depth))...)
}

func (c *code) br(depth uint32) {
	c.op(opBr)
	c.op(uleb(uint64(depth))...)
}

// incr advances a byte cursor held in a local by one word.
func (c *code) incr(local uint32) {
	c.localGet(local)
	c.i32Const(4)
	c.op(opI32Add)
	c.localSet(local)
}

// emitBlock stores id at the trace cursor and advances it.
func (c *code) emitBlock(cursor uint32, id int32) {
	c.localGet(cursor)
	c.i32Const(id)
	c.i32Store()
	c.incr(cursor)
}
