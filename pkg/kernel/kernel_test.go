package kernel

import (
	"bytes"
	"strings"
	"testing"

	"github.com/oisee/cftrace/pkg/cfg"
	"github.com/oisee/cftrace/pkg/trace"
)

func TestLEB128(t *testing.T) {
	tests := []struct {
		v    int64
		u, s []byte
	}{
		{0, []byte{0x00}, []byte{0x00}},
		{1, []byte{0x01}, []byte{0x01}},
		{63, []byte{0x3f}, []byte{0x3f}},
		{64, []byte{0x40}, []byte{0xc0, 0x00}},
		{127, []byte{0x7f}, []byte{0xff, 0x00}},
		{128, []byte{0x80, 0x01}, []byte{0x80, 0x01}},
		{65536, []byte{0x80, 0x80, 0x04}, []byte{0x80, 0x80, 0x04}},
	}
	for _, tc := range tests {
		if got := uleb(uint64(tc.v)); !bytes.Equal(got, tc.u) {
			t.Errorf("uleb(%d) = % x, want % x", tc.v, got, tc.u)
		}
		if got := sleb(tc.v); !bytes.Equal(got, tc.s) {
			t.Errorf("sleb(%d) = % x, want % x", tc.v, got, tc.s)
		}
	}
	if got := sleb(-1); !bytes.Equal(got, []byte{0x7f}) {
		t.Errorf("sleb(-1) = % x", got)
	}
}

func TestMemoryModule(t *testing.T) {
	got := MemoryModule("memory", 2)
	want := []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x05, 0x03, 0x01, 0x00, 0x02,
		0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("MemoryModule:\n got % x\nwant % x", got, want)
	}
}

func TestSampleWASM_Shape(t *testing.T) {
	l := trace.DefaultLayout()
	ref := SampleWASM(l, Reference)
	if !bytes.HasPrefix(ref, wasmHeader) {
		t.Fatal("missing wasm header")
	}
	if !bytes.Contains(ref, []byte("outputOffset")) || !bytes.Contains(ref, []byte{0x02, 'c', 'f'}) {
		t.Error("expected entry point and trace export names in the export section")
	}
	mut := SampleWASM(l, DropBlock4)
	if len(mut) >= len(ref) {
		t.Errorf("mutant body should be shorter: %d >= %d", len(mut), len(ref))
	}

	l.TraceExport = ""
	if bytes.Contains(SampleWASM(l, Reference), []byte("outputOffset")) {
		t.Error("trace export should be omitted when unnamed")
	}
}

func TestSampleWGSL(t *testing.T) {
	l := trace.DefaultLayout()
	src := SampleWGSL(l, Reference)
	for _, want := range []string{"@binding(0) var<storage, read_write> output_data", "@binding(1)", "fn cf()", "= 4;"} {
		if !strings.Contains(src, want) {
			t.Errorf("shader missing %q", want)
		}
	}
	if strings.Contains(SampleWGSL(l, DropBlock4), "= 4;") {
		t.Error("DropBlock4 shader still records block 4")
	}
}

func TestSampleDocuments(t *testing.T) {
	for _, v := range []Variant{Reference, DropBlock4, Trap} {
		if _, err := cfg.Parse([]byte(SampleDocument(v))); err != nil {
			t.Errorf("variant %d: %v", v, err)
		}
	}

	got, err := Graph().ExpectedTrace(trace.Directions{1, 1, 0})
	if err != nil {
		t.Fatal(err)
	}
	want := trace.Trace{1, 2, 3, 4, 2, 3, 4, 2, 5}
	if !got.Equal(want) {
		t.Errorf("got %v want %v", got, want)
	}
}
