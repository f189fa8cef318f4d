package debug

import (
	"github.com/zag-os/zag/kernel/kfmt/early"
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/vmm"
)

// tristate is a filter predicate over one page-entry attribute: unset
// matches everything.
type tristate int8

const (
	matchAny   tristate = -1
	matchFalse tristate = 0
	matchTrue  tristate = 1
)

func (ts tristate) matches(set bool) bool {
	return ts == matchAny || (ts == matchTrue) == set
}

// ptFilter is the parsed form of the pt command's filter flags.
// Index filters use the CLI's level numbering: l4 is the root table, l1 the
// page table, matching vmm.Mapping.Indices[0..3] in that order.
type ptFilter struct {
	verbose bool

	idx [4]int64 // -1 means no filter at that level

	rw       tristate // true = writable
	nx       tristate // true = execute-disabled
	user     tristate // true = user-accessible
	cache    tristate // true = cacheable (PCD clear)
	wrt      tristate
	global   tristate
	accessed tristate
	dirty    tristate

	page4k tristate
	page2m tristate
	page1g tristate
}

func (f *ptFilter) init() {
	for i := range f.idx {
		f.idx[i] = -1
	}
	f.rw, f.nx, f.user, f.cache = matchAny, matchAny, matchAny, matchAny
	f.wrt, f.global, f.accessed, f.dirty = matchAny, matchAny, matchAny, matchAny
	f.page4k, f.page2m, f.page1g = matchAny, matchAny, matchAny
}

// parse consumes the flag tokens following the pid. Every flag takes one
// value token. It reports false (after printing a diagnostic) on a flag it
// does not recognize or a malformed value.
func (f *ptFilter) parse(args [][]byte) bool {
	for len(args) > 0 {
		flag := args[0]
		if len(args) < 2 {
			early.Printf("pt: flag %s needs a value\n", flag)
			return false
		}
		val := args[1]
		args = args[2:]

		switch {
		case tokEq(flag, "-l4"), tokEq(flag, "-l3"), tokEq(flag, "-l2"), tokEq(flag, "-l1"):
			n, ok := parseUint(val)
			if !ok || n >= 512 {
				early.Printf("pt: bad table index %s\n", val)
				return false
			}
			f.idx['4'-flag[2]] = int64(n)
		case tokEq(flag, "-rw"):
			if !parseChoice(val, "rw", "ro", &f.rw) {
				return false
			}
		case tokEq(flag, "-nx"):
			if !parseChoice(val, "nx", "x", &f.nx) {
				return false
			}
		case tokEq(flag, "-u"):
			if !parseChoice(val, "u", "su", &f.user) {
				return false
			}
		case tokEq(flag, "-cache"):
			if !parseChoice(val, "cache", "ncache", &f.cache) {
				return false
			}
		case tokEq(flag, "-wrt"):
			if !parseBool(val, &f.wrt) {
				return false
			}
		case tokEq(flag, "-global"):
			if !parseBool(val, &f.global) {
				return false
			}
		case tokEq(flag, "-accessed"):
			if !parseBool(val, &f.accessed) {
				return false
			}
		case tokEq(flag, "-dirty"):
			if !parseBool(val, &f.dirty) {
				return false
			}
		case tokEq(flag, "-page4k"):
			if !parseBool(val, &f.page4k) {
				return false
			}
		case tokEq(flag, "-page2m"):
			if !parseBool(val, &f.page2m) {
				return false
			}
		case tokEq(flag, "-page1g"):
			if !parseBool(val, &f.page1g) {
				return false
			}
		default:
			early.Printf("pt: unknown flag %s\n", flag)
			return false
		}
	}
	return true
}

func parseChoice(val []byte, trueWord, falseWord string, out *tristate) bool {
	switch {
	case tokEq(val, trueWord):
		*out = matchTrue
	case tokEq(val, falseWord):
		*out = matchFalse
	default:
		early.Printf("pt: expected %s or %s, got %s\n", trueWord, falseWord, val)
		return false
	}
	return true
}

func parseBool(val []byte, out *tristate) bool {
	return parseChoice(val, "true", "false", out)
}

func (f *ptFilter) match(m vmm.Mapping) bool {
	for level, want := range f.idx {
		if want < 0 {
			continue
		}
		// A huge-page leaf has no index at the levels below it.
		if level > m.Depth || int64(m.Indices[level]) != want {
			return false
		}
	}

	return f.rw.matches(m.Flags&vmm.FlagRW != 0) &&
		f.nx.matches(m.Flags&vmm.FlagNX != 0) &&
		f.user.matches(m.Flags&vmm.FlagUser != 0) &&
		f.cache.matches(m.Flags&vmm.FlagCacheDisable == 0) &&
		f.wrt.matches(m.Flags&vmm.FlagWriteThrough != 0) &&
		f.global.matches(m.Flags&vmm.FlagGlobal != 0) &&
		f.accessed.matches(m.Flags&vmm.FlagAccessed != 0) &&
		f.dirty.matches(m.Flags&vmm.FlagDirty != 0) &&
		f.page4k.matches(m.Size == mem.PageSize) &&
		f.page2m.matches(m.Size == mem.HugePageSize2M) &&
		f.page1g.matches(m.Size == mem.HugePageSize1G)
}
