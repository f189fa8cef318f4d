package symbol

import (
	"bytes"
	"testing"
)

const testKsyms = "ffffffff81000000 kEntry\n" +
	"ffffffff81000200 pmm.AllocPages\n" +
	"ffffffff81000450 sched.reschedule\n"

func TestResolve(t *testing.T) {
	SetTable([]byte(testKsyms))
	defer SetTable(nil)

	specs := []struct {
		pc       uintptr
		wantName string
		wantOff  uintptr
		wantOK   bool
	}{
		{0xffffffff81000000, "kEntry", 0, true},
		{0xffffffff810001ff, "kEntry", 0x1ff, true},
		{0xffffffff81000200, "pmm.AllocPages", 0, true},
		{0xffffffff81000460, "sched.reschedule", 0x10, true},
		// Below the first symbol nothing covers pc.
		{0xffffffff80ffffff, "", 0, false},
	}

	for specIndex, spec := range specs {
		name, off, ok := Resolve(spec.pc)
		if ok != spec.wantOK {
			t.Errorf("[spec %d] expected ok to be %t; got %t", specIndex, spec.wantOK, ok)
			continue
		}
		if !ok {
			continue
		}
		if !bytes.Equal(name, []byte(spec.wantName)) {
			t.Errorf("[spec %d] expected name %q; got %q", specIndex, spec.wantName, name)
		}
		if off != spec.wantOff {
			t.Errorf("[spec %d] expected offset %x; got %x", specIndex, spec.wantOff, off)
		}
	}
}

func TestResolveSkipsMalformedLines(t *testing.T) {
	SetTable([]byte("not-an-addr junk\n1000 early\n\nzz\n2000 late\n"))
	defer SetTable(nil)

	name, off, ok := Resolve(0x1800)
	if !ok {
		t.Fatal("expected a covering symbol despite malformed lines")
	}
	if !bytes.Equal(name, []byte("early")) || off != 0x800 {
		t.Fatalf("expected early+800; got %q+%x", name, off)
	}
}

func TestResolveEmptyTable(t *testing.T) {
	SetTable(nil)

	if _, _, ok := Resolve(0x1000); ok {
		t.Fatal("expected no resolution against an empty table")
	}
}
