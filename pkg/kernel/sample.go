package kernel

import (
	"fmt"

	"github.com/oisee/cftrace/pkg/cfg"
	"github.com/oisee/cftrace/pkg/trace"
)

// Import names under which a linear-memory kernel expects the host memory.
const (
	ImportModule = "js"
	ImportMemory = "memory"
)

// Variant selects a build of the reference kernel.
type Variant int

const (
	// Reference is the kernel as designed.
	Reference Variant = iota
	// DropBlock4 forgets to record block 4, the kind of miscompile a
	// differential run exists to catch.
	DropBlock4
	// Trap hits unreachable after recording block 1.
	Trap
)

// SampleGraph is the control-flow graph of the reference kernel:
//
//	1 -> 2; 2 -> 5 on direction 0, 2 -> 3 on direction 1; 3 -> 4 -> 2; 5 exits.
const SampleGraph = `entry: 1
blocks:
  - {id: 1, next: [2]}
  - {id: 2, next: [5, 3]}
  - {id: 3, next: [4]}
  - {id: 4, next: [2]}
  - {id: 5, next: []}
`

// Graph parses SampleGraph.
func Graph() *cfg.Graph {
	g, err := cfg.Parse([]byte(SampleGraph))
	if err != nil {
		panic(err)
	}
	return g
}

// SampleWASM builds the reference kernel as a wasm module for layout l.
// The module imports its memory as js.memory, exports the entry point under
// l.EntryPoint, and publishes the trace base as an i32 global under
// l.TraceExport when that name is set.
func SampleWASM(l trace.Layout, v Variant) []byte {
	const (
		dirCursor = 0
		outCursor = 1
	)

	var c code
	c.i32Const(int32(l.DirectionsOffset))
	c.localSet(dirCursor)
	c.globalGet(0)
	c.localSet(outCursor)
	c.emitBlock(outCursor, 1)
	if v == Trap {
		c.op(0x00) // unreachable
	}
	c.op(opBlock, blockVoid)
	c.op(opLoop, blockVoid)
	c.emitBlock(outCursor, 2)
	c.localGet(dirCursor)
	c.i32Load()
	c.incr(dirCursor)
	c.i32Const(1)
	c.op(opI32Ne)
	c.brIf(1)
	c.emitBlock(outCursor, 3)
	if v != DropBlock4 {
		c.emitBlock(outCursor, 4)
	}
	c.br(0)
	c.op(opEnd) // loop
	c.op(opEnd) // block
	c.emitBlock(outCursor, 5)
	c.op(opEnd)

	body := cat(vec(cat(uleb(2), []byte{valI32})), c)
	limits := cat([]byte{0x00}, uleb(1))

	exports := [][]byte{cat(name(l.EntryPoint), []byte{kindFunc}, uleb(0))}
	if l.TraceExport != "" {
		exports = append(exports, cat(name(l.TraceExport), []byte{kindGlobal}, uleb(0)))
	}

	return cat(
		wasmHeader,
		section(secType, vec([]byte{0x60, 0x00, 0x00})),
		section(secImport, vec(cat(name(ImportModule), name(ImportMemory), []byte{kindMemory}, limits))),
		section(secFunction, vec(uleb(0))),
		section(secGlobal, vec(cat([]byte{valI32, 0x00, opI32Const}, sleb(int64(l.TraceOffset)), []byte{opEnd}))),
		section(secExport, vec(exports...)),
		section(secCode, vec(cat(uleb(uint64(len(body))), body))),
	)
}

// SampleWGSL renders the reference kernel as a WGSL compute shader bound
// according to l.
func SampleWGSL(l trace.Layout, v Variant) string {
	block4 := "\n        output_data[output_ix] = 4;\n        output_ix++;"
	if v == DropBlock4 {
		block4 = ""
	}
	trap := ""
	if v == Trap {
		// WGSL has no trap; an unbounded loop makes the device hang instead.
		trap = "\n    loop { }"
	}
	return fmt.Sprintf(`@group(%[1]d) @binding(%[2]d) var<storage, read_write> output_data: array<i32>;
@group(%[1]d) @binding(%[3]d) var<storage, read_write> input_data: array<u32>;

@compute @workgroup_size(1)
fn %[4]s() {
    var cntrl_ix: i32 = -1;
    var output_ix: i32 = 0;
    var cntrl_val: u32;

    output_data[output_ix] = 1;
    output_ix++;%[6]s
    while true {
        output_data[output_ix] = 2;
        output_ix++;
        cntrl_ix++;
        cntrl_val = input_data[cntrl_ix];
        if cntrl_val != 1u {
            break;
        }
        output_data[output_ix] = 3;
        output_ix++;%[5]s
    }
    output_data[output_ix] = 5;
    output_ix++;
}
`, l.BindGroup, l.OutputBinding, l.DirectionsBinding, l.EntryPoint, block4, trap)
}

// SampleDocument returns the kernel document the software device runs: the
// sample graph, altered per variant so the device reproduces the same
// miscompile as the other builds.
func SampleDocument(v Variant) string {
	switch v {
	case DropBlock4:
		return `entry: 1
blocks:
  - {id: 1, next: [2]}
  - {id: 2, next: [5, 3]}
  - {id: 3, next: [2]}
  - {id: 5, next: []}
`
	case Trap:
		return `entry: 1
blocks:
  - {id: 1, next: [2]}
  - {id: 2, trap: true}
`
	}
	return SampleGraph
}

// SampleDocumentGraph parses SampleDocument(v).
func SampleDocumentGraph(v Variant) (*cfg.Graph, error) {
	return cfg.Parse([]byte(SampleDocument(v)))
}
