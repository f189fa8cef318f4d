package debug

import (
	"testing"

	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/vmm"
)

func TestTokenize(t *testing.T) {
	specs := []struct {
		line string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"help", []string{"help"}},
		{"pt -v 2 -l4 0", []string{"pt", "-v", "2", "-l4", "0"}},
		{"  lsprocs   -v  ", []string{"lsprocs", "-v"}},
	}

	for specIndex, spec := range specs {
		var storage [maxTokens][]byte
		got := tokenize([]byte(spec.line), storage[:0])
		if len(got) != len(spec.want) {
			t.Errorf("[spec %d] expected %d tokens; got %d", specIndex, len(spec.want), len(got))
			continue
		}
		for i := range got {
			if string(got[i]) != spec.want[i] {
				t.Errorf("[spec %d] token %d: expected %q; got %q", specIndex, i, spec.want[i], got[i])
			}
		}
	}
}

func TestParseUint(t *testing.T) {
	specs := []struct {
		in     string
		want   uint64
		wantOK bool
	}{
		{"0", 0, true},
		{"42", 42, true},
		{"0x1f", 0x1f, true},
		{"0xFFFF800000000000", 0xFFFF800000000000, true},
		{"", 0, false},
		{"0x", 0, false},
		{"12ab", 0, false},
		{"-3", 0, false},
	}

	for specIndex, spec := range specs {
		got, ok := parseUint([]byte(spec.in))
		if ok != spec.wantOK || got != spec.want {
			t.Errorf("[spec %d] parseUint(%q) = %d, %t; expected %d, %t",
				specIndex, spec.in, got, ok, spec.want, spec.wantOK)
		}
	}
}

func filterFor(t *testing.T, flags ...string) *ptFilter {
	t.Helper()
	var f ptFilter
	f.init()

	toks := make([][]byte, len(flags))
	for i, s := range flags {
		toks[i] = []byte(s)
	}
	if !f.parse(toks) {
		t.Fatalf("parse(%v) failed", flags)
	}
	return &f
}

func TestPTFilterMatch(t *testing.T) {
	small := vmm.Mapping{
		VA:      0x400000,
		PA:      0x1000,
		Size:    mem.PageSize,
		Flags:   vmm.FlagPresent | vmm.FlagRW | vmm.FlagUser | vmm.FlagNX,
		Depth:   3,
		Indices: [4]uint16{0, 0, 2, 0},
	}
	huge := vmm.Mapping{
		VA:      mem.VA(0xFFFF800000000000),
		PA:      0,
		Size:    mem.HugePageSize1G,
		Flags:   vmm.FlagPresent | vmm.FlagRW | vmm.FlagHugePage | vmm.FlagGlobal,
		Depth:   1,
		Indices: [4]uint16{256, 0, 0, 0},
	}

	specs := []struct {
		flags     []string
		wantSmall bool
		wantHuge  bool
	}{
		{nil, true, true},
		{[]string{"-u", "u"}, true, false},
		{[]string{"-u", "su"}, false, true},
		{[]string{"-rw", "rw"}, true, true},
		{[]string{"-rw", "ro"}, false, false},
		{[]string{"-nx", "nx"}, true, false},
		{[]string{"-nx", "x"}, false, true},
		{[]string{"-page1g", "true"}, false, true},
		{[]string{"-page4k", "true"}, true, false},
		{[]string{"-global", "true"}, false, true},
		{[]string{"-l4", "256"}, false, true},
		{[]string{"-l2", "2"}, true, false},
		// An index filter below a huge leaf's depth can never match it.
		{[]string{"-l1", "0"}, true, false},
		{[]string{"-cache", "cache"}, true, true},
		{[]string{"-cache", "ncache"}, false, false},
	}

	for specIndex, spec := range specs {
		f := filterFor(t, spec.flags...)
		if got := f.match(small); got != spec.wantSmall {
			t.Errorf("[spec %d] %v: match(small) = %t; expected %t", specIndex, spec.flags, got, spec.wantSmall)
		}
		if got := f.match(huge); got != spec.wantHuge {
			t.Errorf("[spec %d] %v: match(huge) = %t; expected %t", specIndex, spec.flags, got, spec.wantHuge)
		}
	}
}

func TestPTFilterParseRejectsJunk(t *testing.T) {
	bad := [][]string{
		{"-l4"},            // missing value
		{"-l4", "512"},     // index out of range
		{"-rw", "maybe"},   // not ro|rw
		{"-wrt", "yes"},    // not true|false
		{"-frobnicate", "true"},
	}

	for specIndex, flags := range bad {
		var f ptFilter
		f.init()
		toks := make([][]byte, len(flags))
		for i, s := range flags {
			toks[i] = []byte(s)
		}
		if f.parse(toks) {
			t.Errorf("[spec %d] expected parse(%v) to fail", specIndex, flags)
		}
	}
}

// fakeInput feeds readLine a scripted byte sequence.
func fakeInput(t *testing.T, bytes []byte) {
	t.Helper()
	i := 0
	readByteFn = func() byte {
		if i >= len(bytes) {
			t.Fatal("readLine consumed more input than scripted")
		}
		b := bytes[i]
		i++
		return b
	}
}

func TestReadLineEditing(t *testing.T) {
	orig := readByteFn
	defer func() { readByteFn = orig }()

	// "ptX<backspace> 1" + CR: the X is erased before submit; the
	// interleaved control byte is ignored.
	fakeInput(t, []byte("ptX\x7f\x01 1\r"))
	if got := string(readLine()); got != "pt 1" {
		t.Fatalf("expected %q; got %q", "pt 1", got)
	}

	// Backspace on an empty line is a no-op.
	fakeInput(t, []byte("\x08\x08ok\n"))
	if got := string(readLine()); got != "ok" {
		t.Fatalf("expected %q; got %q", "ok", got)
	}
}
