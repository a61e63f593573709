package clientgw

import (
	"net/netip"

	"github.com/edgestitch/gateway/internal/filterengine"
)

// trieNode is a node in a flat binary prefix trie whose terminal nodes
// carry a compiled filter engine instead of a bare boolean.
type trieNode struct {
	children [2]int32 // indices into the node slice; -1 = no child
	terminal bool
	engine   *filterengine.Engine
}

// cidrTrie is a value-carrying binary prefix trie used to find the
// installed filter engine for the most specific registered CIDR
// containing a given address.
type cidrTrie struct {
	nodes []trieNode
	bits  int // 32 for v4, 128 for v6
}

func newCidrTrie(bits int) *cidrTrie {
	return &cidrTrie{nodes: []trieNode{{children: [2]int32{-1, -1}}}, bits: bits}
}

func bitAt(addr [16]byte, i int) byte {
	byteIdx := i / 8
	bitIdx := uint(7 - i%8)
	return (addr[byteIdx] >> bitIdx) & 1
}

// insert installs engine at the node for the given prefix length over
// addr, replacing any engine previously installed at that exact node.
func (t *cidrTrie) insert(addr [16]byte, prefixLen int, engine *filterengine.Engine) {
	idx := int32(0)
	for i := 0; i < prefixLen; i++ {
		bit := bitAt(addr, i)
		child := t.nodes[idx].children[bit]
		if child == -1 {
			child = int32(len(t.nodes))
			t.nodes[idx].children[bit] = child
			t.nodes = append(t.nodes, trieNode{children: [2]int32{-1, -1}})
		}
		idx = child
	}
	t.nodes[idx].terminal = true
	t.nodes[idx].engine = engine
}

// lookup returns the engine installed at the longest registered prefix
// containing addr, walking down and remembering the deepest terminal
// node seen.
func (t *cidrTrie) lookup(addr [16]byte) (*filterengine.Engine, bool) {
	if len(t.nodes) == 0 {
		return nil, false
	}
	idx := int32(0)
	var best *filterengine.Engine
	found := false
	if t.nodes[0].terminal {
		best, found = t.nodes[0].engine, true
	}
	for i := 0; i < t.bits; i++ {
		bit := bitAt(addr, i)
		child := t.nodes[idx].children[bit]
		if child == -1 {
			break
		}
		idx = child
		if t.nodes[idx].terminal {
			best, found = t.nodes[idx].engine, true
		}
	}
	return best, found
}

// CidrIndex indexes compiled filter engines by CIDR, separately for the
// v4 and v6 address families, and answers longest-prefix-match lookups.
type CidrIndex struct {
	v4 *cidrTrie
	v6 *cidrTrie
}

// NewCidrIndex creates an empty index.
func NewCidrIndex() *CidrIndex {
	return &CidrIndex{v4: newCidrTrie(32), v6: newCidrTrie(128)}
}

// Install registers engine as the filter engine for network. Networks
// installed more than once take the last engine for that exact prefix.
func (c *CidrIndex) Install(network netip.Prefix, engine *filterengine.Engine) {
	addr := network.Addr()
	if addr.Is4() || addr.Is4In6() {
		c.v4.insert(v4Bytes(addr), network.Bits(), engine)
	} else {
		c.v6.insert(addr.As16(), network.Bits(), engine)
	}
}

// Lookup finds the engine installed for the most specific network
// containing addr.
func (c *CidrIndex) Lookup(addr netip.Addr) (*filterengine.Engine, bool) {
	if addr.Is4() || addr.Is4In6() {
		return c.v4.lookup(v4Bytes(addr))
	}
	return c.v6.lookup(addr.As16())
}

// v4Bytes places addr's 4 real octets at the front of a 16-byte array
// so the v4 trie (which only ever walks its first 32 bits) indexes the
// actual address bytes instead of As16()'s IPv4-mapped zero padding.
func v4Bytes(addr netip.Addr) [16]byte {
	a4 := addr.As4()
	var b [16]byte
	copy(b[:4], a4[:])
	return b
}
