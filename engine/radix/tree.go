package radix

import (
	"bytes"
	"encoding/binary"

	"github.com/hupe1980/pmkv/internal/pmem"
)

// Persistent layout.
//
// Meta block (pool root): [rootNode u64][count u64].
//
// Inner node: [prefix u64][leaf u64][n u32][cap u32][slots: cap x 16], where
// a slot is [label u64][child u64] and slots are sorted by label. prefix is
// a persistent string of the bytes this node consumes after its incoming
// label; leaf is the entry whose key ends at this node, or 0.
//
// Entry: [key u64][val u64], holding the full key.
//
// Child references are tagged offsets: the low bit marks an entry, clear
// means inner node. Blocks are 16-byte aligned so the bit is free.
const (
	metaRootF  = 0
	metaCountF = 8
	metaSize   = 16

	nodePrefix = 0
	nodeLeafF  = 8
	nodeNF     = 16
	nodeCapF   = 20
	nodeSlots  = 24

	slotSize = 16

	entryKeyF = 0
	entryValF = 8
	entrySize = 16

	initialCap = 4
	maxCap     = 256
)

func isEntry(ref uint64) bool    { return ref&1 == 1 }
func entryOf(ref uint64) uint64  { return ref &^ 1 }
func tagEntry(off uint64) uint64 { return off | 1 }

func nodeBlockSize(capSlots int) uint64 {
	return nodeSlots + uint64(capSlots)*slotSize
}

func lcp(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func (e *Radix) rootNode() uint64 { return e.p.U64(e.meta + metaRootF) }
func (e *Radix) count() int       { return int(e.p.U64(e.meta + metaCountF)) }

func (e *Radix) nodePrefixBytes(off uint64) []byte {
	return e.p.Bytes(e.p.U64(off + nodePrefix))
}

func (e *Radix) nodeLeaf(off uint64) uint64 { return e.p.U64(off + nodeLeafF) }

func (e *Radix) nodeN(off uint64) int {
	return int(binary.LittleEndian.Uint32(e.p.Raw(off+nodeNF, 4)))
}

func (e *Radix) nodeCap(off uint64) int {
	return int(binary.LittleEndian.Uint32(e.p.Raw(off+nodeCapF, 4)))
}

func (e *Radix) slotLabel(off uint64, i int) byte {
	return byte(e.p.U64(off + nodeSlots + uint64(i)*slotSize))
}

func (e *Radix) slotChild(off uint64, i int) uint64 {
	return e.p.U64(off + nodeSlots + uint64(i)*slotSize + 8)
}

func (e *Radix) slotChildAddr(off uint64, i int) uint64 {
	return off + nodeSlots + uint64(i)*slotSize + 8
}

func (e *Radix) entryKey(off uint64) []byte { return e.p.Bytes(e.p.U64(off + entryKeyF)) }
func (e *Radix) entryVal(off uint64) []byte { return e.p.Bytes(e.p.U64(off + entryValF)) }

// findSlot binary-searches the sorted slot array for label.
func (e *Radix) findSlot(off uint64, label byte) (int, bool) {
	lo, hi := 0, e.nodeN(off)
	for lo < hi {
		mid := (lo + hi) / 2
		l := e.slotLabel(off, mid)
		switch {
		case l < label:
			lo = mid + 1
		case l > label:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

func (e *Radix) newNode(tx *pmem.Tx, prefix []byte) (uint64, error) {
	off, err := tx.Alloc(nodeBlockSize(initialCap))
	if err != nil {
		return 0, err
	}
	pOff, err := tx.AllocBytes(prefix)
	if err != nil {
		return 0, err
	}
	raw := e.p.Raw(off, nodeBlockSize(initialCap))
	for i := range raw {
		raw[i] = 0
	}
	binary.LittleEndian.PutUint64(raw[nodePrefix:], pOff)
	binary.LittleEndian.PutUint32(raw[nodeCapF:], initialCap)
	return off, nil
}

func (e *Radix) newEntry(tx *pmem.Tx, key, value []byte) (uint64, error) {
	kOff, err := tx.AllocBytes(key)
	if err != nil {
		return 0, err
	}
	vOff, err := tx.AllocBytes(value)
	if err != nil {
		return 0, err
	}
	off, err := tx.Alloc(entrySize)
	if err != nil {
		return 0, err
	}
	raw := e.p.Raw(off, entrySize)
	binary.LittleEndian.PutUint64(raw[entryKeyF:], kOff)
	binary.LittleEndian.PutUint64(raw[entryValF:], vOff)
	return off, nil
}

func (e *Radix) freeEntry(tx *pmem.Tx, off uint64) error {
	if err := tx.FreeBytes(e.p.U64(off + entryKeyF)); err != nil {
		return err
	}
	if err := tx.FreeBytes(e.p.U64(off + entryValF)); err != nil {
		return err
	}
	return tx.Free(off, entrySize)
}

func (e *Radix) freeNode(tx *pmem.Tx, off uint64) error {
	if err := tx.FreeBytes(e.p.U64(off + nodePrefix)); err != nil {
		return err
	}
	return tx.Free(off, nodeBlockSize(e.nodeCap(off)))
}

func (e *Radix) assignEntry(tx *pmem.Tx, entryOff uint64, value []byte) error {
	old := e.p.U64(entryOff + entryValF)
	vOff, err := tx.AllocBytes(value)
	if err != nil {
		return err
	}
	if err := tx.SetU64(entryOff+entryValF, vOff); err != nil {
		return err
	}
	return tx.FreeBytes(old)
}

func (e *Radix) setCount(tx *pmem.Tx, v int) error {
	return tx.SetU64(e.meta+metaCountF, uint64(v))
}

// addSlot inserts (label, childRef) into the node at nodeOff, reallocating
// the node when its slot array is full. parentLink is the address of the
// u64 referencing the node, updated if the node moves.
func (e *Radix) addSlot(tx *pmem.Tx, parentLink, nodeOff uint64, label byte, childRef uint64) error {
	n := e.nodeN(nodeOff)
	capSlots := e.nodeCap(nodeOff)
	idx, _ := e.findSlot(nodeOff, label)

	if n < capSlots {
		if err := tx.Snapshot(nodeOff, nodeBlockSize(capSlots)); err != nil {
			return err
		}
		raw := e.p.Raw(nodeOff, nodeBlockSize(capSlots))
		copy(raw[nodeSlots+uint64(idx+1)*slotSize:nodeSlots+uint64(n+1)*slotSize],
			raw[nodeSlots+uint64(idx)*slotSize:nodeSlots+uint64(n)*slotSize])
		binary.LittleEndian.PutUint64(raw[nodeSlots+uint64(idx)*slotSize:], uint64(label))
		binary.LittleEndian.PutUint64(raw[nodeSlots+uint64(idx)*slotSize+8:], childRef)
		binary.LittleEndian.PutUint32(raw[nodeNF:], uint32(n+1))
		return nil
	}

	newCap := capSlots * 2
	if newCap > maxCap {
		newCap = maxCap
	}
	newOff, err := tx.Alloc(nodeBlockSize(newCap))
	if err != nil {
		return err
	}
	oldRaw := e.p.Raw(nodeOff, nodeBlockSize(capSlots))
	raw := e.p.Raw(newOff, nodeBlockSize(newCap))
	for i := range raw {
		raw[i] = 0
	}
	copy(raw[:nodeSlots], oldRaw[:nodeSlots])
	copy(raw[nodeSlots:nodeSlots+uint64(idx)*slotSize],
		oldRaw[nodeSlots:nodeSlots+uint64(idx)*slotSize])
	binary.LittleEndian.PutUint64(raw[nodeSlots+uint64(idx)*slotSize:], uint64(label))
	binary.LittleEndian.PutUint64(raw[nodeSlots+uint64(idx)*slotSize+8:], childRef)
	copy(raw[nodeSlots+uint64(idx+1)*slotSize:],
		oldRaw[nodeSlots+uint64(idx)*slotSize:nodeSlots+uint64(n)*slotSize])
	binary.LittleEndian.PutUint32(raw[nodeNF:], uint32(n+1))
	binary.LittleEndian.PutUint32(raw[nodeCapF:], uint32(newCap))

	if err := tx.SetU64(parentLink, newOff); err != nil {
		return err
	}
	return tx.Free(nodeOff, nodeBlockSize(capSlots))
}

// removeSlot deletes slot idx from the node at nodeOff.
func (e *Radix) removeSlot(tx *pmem.Tx, nodeOff uint64, idx int) error {
	n := e.nodeN(nodeOff)
	capSlots := e.nodeCap(nodeOff)
	if err := tx.Snapshot(nodeOff, nodeBlockSize(capSlots)); err != nil {
		return err
	}
	raw := e.p.Raw(nodeOff, nodeBlockSize(capSlots))
	copy(raw[nodeSlots+uint64(idx)*slotSize:nodeSlots+uint64(n-1)*slotSize],
		raw[nodeSlots+uint64(idx+1)*slotSize:nodeSlots+uint64(n)*slotSize])
	binary.LittleEndian.PutUint32(raw[nodeNF:], uint32(n-1))
	return nil
}

// putTx inserts or assigns key inside the caller's transaction.
func (e *Radix) putTx(tx *pmem.Tx, key, value []byte) error {
	cur := e.rootNode()
	parentLink := e.meta + metaRootF
	depth := 0

	for {
		pfx := e.nodePrefixBytes(cur)
		rest := key[depth:]
		j := lcp(pfx, rest)
		if j < len(pfx) {
			return e.splitNode(tx, parentLink, cur, j, key, depth, value)
		}
		depth += len(pfx)

		if depth == len(key) {
			if leaf := e.nodeLeaf(cur); leaf != 0 {
				return e.assignEntry(tx, leaf, value)
			}
			eOff, err := e.newEntry(tx, key, value)
			if err != nil {
				return err
			}
			if err := tx.SetU64(cur+nodeLeafF, eOff); err != nil {
				return err
			}
			return e.setCount(tx, e.count()+1)
		}

		b := key[depth]
		idx, found := e.findSlot(cur, b)
		if !found {
			eOff, err := e.newEntry(tx, key, value)
			if err != nil {
				return err
			}
			if err := e.addSlot(tx, parentLink, cur, b, tagEntry(eOff)); err != nil {
				return err
			}
			return e.setCount(tx, e.count()+1)
		}

		child := e.slotChild(cur, idx)
		if isEntry(child) {
			eo := entryOf(child)
			if bytes.Equal(e.entryKey(eo), key) {
				return e.assignEntry(tx, eo, value)
			}
			return e.branchEntry(tx, cur, idx, eo, key, depth+1, value)
		}
		parentLink = e.slotChildAddr(cur, idx)
		cur = child
		depth++
	}
}

// branchEntry replaces the tagged entry in slot idx with a fresh inner node
// holding both the existing entry and a new one for key. depth is the
// number of key bytes consumed including the slot label.
func (e *Radix) branchEntry(tx *pmem.Tx, parent uint64, idx int, existing uint64, key []byte, depth int, value []byte) error {
	ek := e.entryKey(existing)
	rest1 := ek[depth:]
	rest2 := key[depth:]
	common := lcp(rest1, rest2)

	inner, err := e.newNode(tx, rest2[:common])
	if err != nil {
		return err
	}
	eOff, err := e.newEntry(tx, key, value)
	if err != nil {
		return err
	}

	// The fresh node is unreachable until the parent slot flips, so its
	// slots are written directly, smaller label first.
	type slot struct {
		label byte
		ref   uint64
	}
	var slots []slot
	raw := e.p.Raw(inner, nodeBlockSize(initialCap))
	if len(rest1) == common {
		binary.LittleEndian.PutUint64(raw[nodeLeafF:], existing)
	} else {
		slots = append(slots, slot{rest1[common], tagEntry(existing)})
	}
	if len(rest2) == common {
		binary.LittleEndian.PutUint64(raw[nodeLeafF:], eOff)
	} else {
		slots = append(slots, slot{rest2[common], tagEntry(eOff)})
	}
	if len(slots) == 2 && slots[0].label > slots[1].label {
		slots[0], slots[1] = slots[1], slots[0]
	}
	for i, s := range slots {
		binary.LittleEndian.PutUint64(raw[nodeSlots+uint64(i)*slotSize:], uint64(s.label))
		binary.LittleEndian.PutUint64(raw[nodeSlots+uint64(i)*slotSize+8:], s.ref)
	}
	binary.LittleEndian.PutUint32(raw[nodeNF:], uint32(len(slots)))

	if err := tx.SetU64(e.slotChildAddr(parent, idx), inner); err != nil {
		return err
	}
	return e.setCount(tx, e.count()+1)
}

// splitNode cuts the node's prefix at j and interposes a new parent that
// branches between the old node and the new key.
func (e *Radix) splitNode(tx *pmem.Tx, parentLink, nodeOff uint64, j int, key []byte, depth int, value []byte) error {
	oldPfx := append([]byte(nil), e.nodePrefixBytes(nodeOff)...)

	inner, err := e.newNode(tx, oldPfx[:j])
	if err != nil {
		return err
	}

	// The old node keeps the suffix after the branch label.
	newPfxOff, err := tx.AllocBytes(oldPfx[j+1:])
	if err != nil {
		return err
	}
	oldPfxOff := e.p.U64(nodeOff + nodePrefix)
	if err := tx.SetU64(nodeOff+nodePrefix, newPfxOff); err != nil {
		return err
	}
	if err := tx.FreeBytes(oldPfxOff); err != nil {
		return err
	}

	eOff, err := e.newEntry(tx, key, value)
	if err != nil {
		return err
	}

	raw := e.p.Raw(inner, nodeBlockSize(initialCap))
	type slot struct {
		label byte
		ref   uint64
	}
	slots := []slot{{oldPfx[j], nodeOff}}
	if depth+j == len(key) {
		binary.LittleEndian.PutUint64(raw[nodeLeafF:], eOff)
	} else {
		slots = append(slots, slot{key[depth+j], tagEntry(eOff)})
		if slots[0].label > slots[1].label {
			slots[0], slots[1] = slots[1], slots[0]
		}
	}
	for i, s := range slots {
		binary.LittleEndian.PutUint64(raw[nodeSlots+uint64(i)*slotSize:], uint64(s.label))
		binary.LittleEndian.PutUint64(raw[nodeSlots+uint64(i)*slotSize+8:], s.ref)
	}
	binary.LittleEndian.PutUint32(raw[nodeNF:], uint32(len(slots)))

	if err := tx.SetU64(parentLink, inner); err != nil {
		return err
	}
	return e.setCount(tx, e.count()+1)
}

type pathStep struct {
	node uint64
	idx  int
}

// removeTx erases key inside the caller's transaction. It returns false if
// the key was absent.
func (e *Radix) removeTx(tx *pmem.Tx, key []byte) (bool, error) {
	cur := e.rootNode()
	depth := 0
	var stack []pathStep

	for {
		pfx := e.nodePrefixBytes(cur)
		rest := key[depth:]
		j := lcp(pfx, rest)
		if j < len(pfx) {
			return false, nil
		}
		depth += len(pfx)

		if depth == len(key) {
			leaf := e.nodeLeaf(cur)
			if leaf == 0 {
				return false, nil
			}
			if err := tx.SetU64(cur+nodeLeafF, 0); err != nil {
				return false, err
			}
			if err := e.freeEntry(tx, leaf); err != nil {
				return false, err
			}
			if err := e.setCount(tx, e.count()-1); err != nil {
				return false, err
			}
			return true, e.cleanup(tx, cur, stack)
		}

		b := key[depth]
		idx, found := e.findSlot(cur, b)
		if !found {
			return false, nil
		}
		child := e.slotChild(cur, idx)
		if isEntry(child) {
			eo := entryOf(child)
			if !bytes.Equal(e.entryKey(eo), key) {
				return false, nil
			}
			if err := e.removeSlot(tx, cur, idx); err != nil {
				return false, err
			}
			if err := e.freeEntry(tx, eo); err != nil {
				return false, err
			}
			if err := e.setCount(tx, e.count()-1); err != nil {
				return false, err
			}
			return true, e.cleanup(tx, cur, stack)
		}
		stack = append(stack, pathStep{node: cur, idx: idx})
		cur = child
		depth++
	}
}

// cleanup collapses nodes left degenerate by a removal: empty nodes are
// unlinked, single-child nodes merge with their child.
func (e *Radix) cleanup(tx *pmem.Tx, node uint64, stack []pathStep) error {
	for {
		if node == e.rootNode() {
			return nil
		}
		n := e.nodeN(node)
		leaf := e.nodeLeaf(node)
		parent := stack[len(stack)-1]

		if n == 0 && leaf == 0 {
			if err := e.removeSlot(tx, parent.node, parent.idx); err != nil {
				return err
			}
			if err := e.freeNode(tx, node); err != nil {
				return err
			}
			node = parent.node
			stack = stack[:len(stack)-1]
			continue
		}
		if n == 1 && leaf == 0 {
			return e.mergeChild(tx, parent.node, parent.idx, node)
		}
		return nil
	}
}

// mergeChild splices out a single-child node: entries keep their full keys,
// inner children absorb the node's prefix and branch label into their own.
func (e *Radix) mergeChild(tx *pmem.Tx, parentNode uint64, parentIdx int, node uint64) error {
	childRef := e.slotChild(node, 0)
	label := e.slotLabel(node, 0)
	linkAddr := e.slotChildAddr(parentNode, parentIdx)

	if !isEntry(childRef) {
		merged := append([]byte(nil), e.nodePrefixBytes(node)...)
		merged = append(merged, label)
		merged = append(merged, e.nodePrefixBytes(childRef)...)
		pOff, err := tx.AllocBytes(merged)
		if err != nil {
			return err
		}
		old := e.p.U64(childRef + nodePrefix)
		if err := tx.SetU64(childRef+nodePrefix, pOff); err != nil {
			return err
		}
		if err := tx.FreeBytes(old); err != nil {
			return err
		}
	}
	if err := tx.SetU64(linkAddr, childRef); err != nil {
		return err
	}
	return e.freeNode(tx, node)
}

// findEntry returns the entry offset of the exact key, or 0.
func (e *Radix) findEntry(key []byte) uint64 {
	cur := e.rootNode()
	depth := 0
	for {
		pfx := e.nodePrefixBytes(cur)
		rest := key[depth:]
		j := lcp(pfx, rest)
		if j < len(pfx) {
			return 0
		}
		depth += len(pfx)
		if depth == len(key) {
			return e.nodeLeaf(cur)
		}
		idx, found := e.findSlot(cur, key[depth])
		if !found {
			return 0
		}
		child := e.slotChild(cur, idx)
		if isEntry(child) {
			eo := entryOf(child)
			if bytes.Equal(e.entryKey(eo), key) {
				return eo
			}
			return 0
		}
		cur = child
		depth++
	}
}

// minOf returns the smallest entry in the subtree at ref.
func (e *Radix) minOf(ref uint64) uint64 {
	for {
		if ref == 0 {
			return 0
		}
		if isEntry(ref) {
			return entryOf(ref)
		}
		if leaf := e.nodeLeaf(ref); leaf != 0 {
			return leaf
		}
		if e.nodeN(ref) == 0 {
			return 0
		}
		ref = e.slotChild(ref, 0)
	}
}

// maxOf returns the largest entry in the subtree at ref.
func (e *Radix) maxOf(ref uint64) uint64 {
	for {
		if ref == 0 {
			return 0
		}
		if isEntry(ref) {
			return entryOf(ref)
		}
		if n := e.nodeN(ref); n > 0 {
			ref = e.slotChild(ref, n-1)
			continue
		}
		return e.nodeLeaf(ref)
	}
}

// ceiling returns the smallest entry with key >= k (orEqual) or > k.
func (e *Radix) ceiling(k []byte, orEqual bool) uint64 {
	return e.ceilingIn(e.rootNode(), k, 0, orEqual)
}

func (e *Radix) ceilingIn(ref uint64, k []byte, depth int, orEqual bool) uint64 {
	if ref == 0 {
		return 0
	}
	if isEntry(ref) {
		eo := entryOf(ref)
		c := bytes.Compare(e.entryKey(eo), k)
		if c > 0 || (orEqual && c == 0) {
			return eo
		}
		return 0
	}

	pfx := e.nodePrefixBytes(ref)
	rest := k[depth:]
	j := lcp(pfx, rest)
	if j < len(pfx) {
		if j == len(rest) || pfx[j] > rest[j] {
			// Every key in the subtree is greater.
			return e.minOf(ref)
		}
		return 0
	}
	depth += len(pfx)

	if depth == len(k) {
		if orEqual {
			return e.minOf(ref)
		}
		// The node's own entry equals k; children are strictly greater.
		if e.nodeN(ref) > 0 {
			return e.minOf(e.slotChild(ref, 0))
		}
		return 0
	}

	b := k[depth]
	n := e.nodeN(ref)
	for i := 0; i < n; i++ {
		l := e.slotLabel(ref, i)
		if l < b {
			continue
		}
		if l == b {
			if r := e.ceilingIn(e.slotChild(ref, i), k, depth+1, orEqual); r != 0 {
				return r
			}
			continue
		}
		return e.minOf(e.slotChild(ref, i))
	}
	return 0
}

// floor returns the largest entry with key <= k (orEqual) or < k.
func (e *Radix) floor(k []byte, orEqual bool) uint64 {
	return e.floorIn(e.rootNode(), k, 0, orEqual)
}

func (e *Radix) floorIn(ref uint64, k []byte, depth int, orEqual bool) uint64 {
	if ref == 0 {
		return 0
	}
	if isEntry(ref) {
		eo := entryOf(ref)
		c := bytes.Compare(e.entryKey(eo), k)
		if c < 0 || (orEqual && c == 0) {
			return eo
		}
		return 0
	}

	pfx := e.nodePrefixBytes(ref)
	rest := k[depth:]
	j := lcp(pfx, rest)
	if j < len(pfx) {
		if j < len(rest) && pfx[j] < rest[j] {
			// Every key in the subtree is smaller.
			return e.maxOf(ref)
		}
		return 0
	}
	depth += len(pfx)

	if depth == len(k) {
		// The node's entry equals k; children are strictly greater.
		if orEqual {
			if leaf := e.nodeLeaf(ref); leaf != 0 {
				return leaf
			}
		}
		return 0
	}

	b := k[depth]
	for i := e.nodeN(ref) - 1; i >= 0; i-- {
		l := e.slotLabel(ref, i)
		if l > b {
			continue
		}
		if l == b {
			if r := e.floorIn(e.slotChild(ref, i), k, depth+1, orEqual); r != 0 {
				return r
			}
			continue
		}
		return e.maxOf(e.slotChild(ref, i))
	}
	// The node's own entry is a proper prefix of k, hence smaller.
	if leaf := e.nodeLeaf(ref); leaf != 0 {
		return leaf
	}
	return 0
}

// walk visits entries in lexicographic order; fn returns false to stop.
// It reports whether the walk ran to completion.
func (e *Radix) walk(ref uint64, fn func(entryOff uint64) bool) bool {
	if ref == 0 {
		return true
	}
	if isEntry(ref) {
		return fn(entryOf(ref))
	}
	if leaf := e.nodeLeaf(ref); leaf != 0 {
		if !fn(leaf) {
			return false
		}
	}
	n := e.nodeN(ref)
	for i := 0; i < n; i++ {
		if !e.walk(e.slotChild(ref, i), fn) {
			return false
		}
	}
	return true
}
