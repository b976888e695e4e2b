package engine

import (
	"molten/internal/bytecode"
	"molten/internal/mem"
)

// pcScriptCacheSize is prime so return addresses, which share low-bit
// alignment, spread across the table.
const pcScriptCacheSize = 73

type pcScriptEntry struct {
	returnAddr mem.Addr
	script     *bytecode.Script
	pc         uint32
}

// pcScriptCache memoizes return address to (script, pc) resolutions. It is
// allocated on first use and rebuilt from empty whenever the collection
// generation it was filled under has passed, so entries never outlive the
// scripts they point at.
type pcScriptCache struct {
	gcNumber uint32
	entries  [pcScriptCacheSize]pcScriptEntry
}

func newPcScriptCache(gcNumber uint32) *pcScriptCache {
	return &pcScriptCache{gcNumber: gcNumber}
}

func (c *pcScriptCache) slot(ret mem.Addr) *pcScriptEntry {
	return &c.entries[uint64(ret)%pcScriptCacheSize]
}

func (c *pcScriptCache) lookup(ret mem.Addr) (*bytecode.Script, uint32, bool) {
	e := c.slot(ret)
	if e.script == nil || e.returnAddr != ret {
		return nil, 0, false
	}
	return e.script, e.pc, true
}

func (c *pcScriptCache) add(ret mem.Addr, s *bytecode.Script, pc uint32) {
	*c.slot(ret) = pcScriptEntry{returnAddr: ret, script: s, pc: pc}
}
