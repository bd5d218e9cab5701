package stree

import (
	"encoding/binary"

	"github.com/hupe1980/pmkv/internal/pmem"
)

// Persistent node layout. Nodes are fixed-size blocks; internal nodes hold
// up to maxSeps separator keys and maxSeps+1 children, leaves hold up to
// degree entries and a forward link to the next leaf.
//
//	0   flags  u32 (1 = leaf)
//	4   n      u32
//	8   next   u64 (leaf link)
//	16  keys   [degree]u64      (string offsets; internal uses n <= maxSeps)
//	272 ptrs   [degree+1]u64    (leaf: value offsets; internal: children)
const (
	degree  = 32
	maxSeps = degree - 1
	minLeaf = degree / 2
	minSeps = maxSeps / 2

	nodeFlags = 0
	nodeN     = 4
	nodeNext  = 8
	nodeKeys  = 16
	nodePtrs  = nodeKeys + 8*degree
	nodeSize  = nodePtrs + 8*(degree+1)

	leafFlag = 1

	// Meta block reachable from the pool root: [rootNode u64][count u64].
	metaRoot  = 0
	metaCount = 8
	metaSize  = 16
)

type tree struct {
	p    *pmem.Pool
	meta uint64
	cmp  func(a, b []byte) int
}

func (t *tree) rootNode() uint64 { return t.p.U64(t.meta + metaRoot) }
func (t *tree) count() int       { return int(t.p.U64(t.meta + metaCount)) }

func (t *tree) node(off uint64) []byte { return t.p.Raw(off, nodeSize) }

func isLeaf(n []byte) bool { return binary.LittleEndian.Uint32(n[nodeFlags:]) == leafFlag }
func nkeys(n []byte) int   { return int(binary.LittleEndian.Uint32(n[nodeN:])) }
func setN(n []byte, v int) { binary.LittleEndian.PutUint32(n[nodeN:], uint32(v)) }
func next(n []byte) uint64 { return binary.LittleEndian.Uint64(n[nodeNext:]) }

func keyOff(n []byte, i int) uint64 {
	return binary.LittleEndian.Uint64(n[nodeKeys+8*i:])
}

func setKeyOff(n []byte, i int, off uint64) {
	binary.LittleEndian.PutUint64(n[nodeKeys+8*i:], off)
}

func ptrOff(n []byte, i int) uint64 {
	return binary.LittleEndian.Uint64(n[nodePtrs+8*i:])
}

func setPtrOff(n []byte, i int, off uint64) {
	binary.LittleEndian.PutUint64(n[nodePtrs+8*i:], off)
}

func (t *tree) key(n []byte, i int) []byte { return t.p.Bytes(keyOff(n, i)) }

func (t *tree) newNode(tx *pmem.Tx, leaf bool) (uint64, []byte, error) {
	off, err := tx.Alloc(nodeSize)
	if err != nil {
		return 0, nil, err
	}
	n := t.node(off)
	for i := range n {
		n[i] = 0
	}
	if leaf {
		binary.LittleEndian.PutUint32(n[nodeFlags:], leafFlag)
	}
	return off, n, nil
}

// snapshotNode records the node pre-image once per transaction mutation
// site; subsequent in-place edits go through the raw view.
func (t *tree) snapshotNode(tx *pmem.Tx, off uint64) error {
	return tx.Snapshot(off, nodeSize)
}

func (t *tree) setCount(tx *pmem.Tx, v int) error {
	return tx.SetU64(t.meta+metaCount, uint64(v))
}

// leafLowerBound returns the first index in leaf n with key >= k.
func (t *tree) leafLowerBound(n []byte, k []byte) int {
	lo, hi := 0, nkeys(n)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp(t.key(n, mid), k) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// childIndex returns the child an internal node routes k to: the number of
// separators <= k.
func (t *tree) childIndex(n []byte, k []byte) int {
	lo, hi := 0, nkeys(n)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp(t.key(n, mid), k) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func nodeFull(n []byte) bool {
	if isLeaf(n) {
		return nkeys(n) == degree
	}
	return nkeys(n) == maxSeps
}

// splitChild splits the full i-th child of the internal node at parentOff.
// The caller has ensured the parent is not full.
func (t *tree) splitChild(tx *pmem.Tx, parentOff uint64, i int) error {
	parent := t.node(parentOff)
	childOff := ptrOff(parent, i)
	child := t.node(childOff)

	rightOff, right, err := t.newNode(tx, isLeaf(child))
	if err != nil {
		return err
	}
	if err := t.snapshotNode(tx, parentOff); err != nil {
		return err
	}
	if err := t.snapshotNode(tx, childOff); err != nil {
		return err
	}

	var sepOff uint64
	if isLeaf(child) {
		// Upper half moves to the new right leaf; the separator is a
		// private copy of the right leaf's first key.
		mid := degree / 2
		moved := degree - mid
		for j := 0; j < moved; j++ {
			setKeyOff(right, j, keyOff(child, mid+j))
			setPtrOff(right, j, ptrOff(child, mid+j))
		}
		setN(right, moved)
		setN(child, mid)
		binary.LittleEndian.PutUint64(right[nodeNext:], next(child))
		binary.LittleEndian.PutUint64(child[nodeNext:], rightOff)

		sepOff, err = tx.AllocBytes(t.key(right, 0))
		if err != nil {
			return err
		}
	} else {
		// Middle separator moves up; halves keep minSeps separators each.
		mid := maxSeps / 2
		sepOff = keyOff(child, mid)
		moved := maxSeps - mid - 1
		for j := 0; j < moved; j++ {
			setKeyOff(right, j, keyOff(child, mid+1+j))
		}
		for j := 0; j <= moved; j++ {
			setPtrOff(right, j, ptrOff(child, mid+1+j))
		}
		setN(right, moved)
		setN(child, mid)
	}

	// Shift the parent to make room for the new separator and child.
	pn := nkeys(parent)
	for j := pn; j > i; j-- {
		setKeyOff(parent, j, keyOff(parent, j-1))
	}
	for j := pn + 1; j > i+1; j-- {
		setPtrOff(parent, j, ptrOff(parent, j-1))
	}
	setKeyOff(parent, i, sepOff)
	setPtrOff(parent, i+1, rightOff)
	setN(parent, pn+1)
	return nil
}

// tryEmplace inserts key/value unless the key exists. It returns the leaf
// offset and index of the entry and whether it was already present.
func (t *tree) tryEmplace(tx *pmem.Tx, k, v []byte) (leafOff uint64, idx int, existed bool, err error) {
	rootOff := t.rootNode()
	if rootOff == 0 {
		rootOff, _, err = t.newNode(tx, true)
		if err != nil {
			return 0, 0, false, err
		}
		if err := tx.SetU64(t.meta+metaRoot, rootOff); err != nil {
			return 0, 0, false, err
		}
	}

	root := t.node(rootOff)
	if nodeFull(root) {
		newRootOff, newRoot, err := t.newNode(tx, false)
		if err != nil {
			return 0, 0, false, err
		}
		setPtrOff(newRoot, 0, rootOff)
		if err := tx.SetU64(t.meta+metaRoot, newRootOff); err != nil {
			return 0, 0, false, err
		}
		if err := t.splitChild(tx, newRootOff, 0); err != nil {
			return 0, 0, false, err
		}
		rootOff = newRootOff
	}

	curOff := rootOff
	for {
		cur := t.node(curOff)
		if isLeaf(cur) {
			i := t.leafLowerBound(cur, k)
			if i < nkeys(cur) && t.cmp(t.key(cur, i), k) == 0 {
				return curOff, i, true, nil
			}
			if err := t.insertInLeaf(tx, curOff, i, k, v); err != nil {
				return 0, 0, false, err
			}
			return curOff, i, false, nil
		}

		i := t.childIndex(cur, k)
		childOff := ptrOff(cur, i)
		if nodeFull(t.node(childOff)) {
			if err := t.splitChild(tx, curOff, i); err != nil {
				return 0, 0, false, err
			}
			if t.cmp(t.key(cur, i), k) <= 0 {
				i++
			}
			childOff = ptrOff(cur, i)
		}
		curOff = childOff
	}
}

func (t *tree) insertInLeaf(tx *pmem.Tx, leafOff uint64, i int, k, v []byte) error {
	kOff, err := tx.AllocBytes(k)
	if err != nil {
		return err
	}
	vOff, err := tx.AllocBytes(v)
	if err != nil {
		return err
	}
	if err := t.snapshotNode(tx, leafOff); err != nil {
		return err
	}
	leaf := t.node(leafOff)
	n := nkeys(leaf)
	for j := n; j > i; j-- {
		setKeyOff(leaf, j, keyOff(leaf, j-1))
		setPtrOff(leaf, j, ptrOff(leaf, j-1))
	}
	setKeyOff(leaf, i, kOff)
	setPtrOff(leaf, i, vOff)
	setN(leaf, n+1)
	return t.setCount(tx, t.count()+1)
}

// assign replaces the value of the entry at (leafOff, i).
func (t *tree) assign(tx *pmem.Tx, leafOff uint64, i int, v []byte) error {
	vOff, err := tx.AllocBytes(v)
	if err != nil {
		return err
	}
	leaf := t.node(leafOff)
	old := ptrOff(leaf, i)
	if err := tx.Snapshot(leafOff+nodePtrs+8*uint64(i), 8); err != nil {
		return err
	}
	setPtrOff(leaf, i, vOff)
	return tx.FreeBytes(old)
}

// erase removes key k. Descends with proactive fill so that every node
// entered (other than the root) holds more than the minimum, making the
// whole deletion a single downward pass.
func (t *tree) erase(tx *pmem.Tx, k []byte) (bool, error) {
	rootOff := t.rootNode()
	if rootOff == 0 {
		return false, nil
	}

	curOff := rootOff
	for {
		cur := t.node(curOff)
		if isLeaf(cur) {
			i := t.leafLowerBound(cur, k)
			if i >= nkeys(cur) || t.cmp(t.key(cur, i), k) != 0 {
				return false, nil
			}
			if err := t.removeFromLeaf(tx, curOff, i); err != nil {
				return false, err
			}
			return true, nil
		}

		i := t.childIndex(cur, k)
		childOff := ptrOff(cur, i)
		child := t.node(childOff)
		atMin := (isLeaf(child) && nkeys(child) == minLeaf) ||
			(!isLeaf(child) && nkeys(child) == minSeps)
		if atMin {
			wasRoot := curOff == t.rootNode()
			var err error
			if i, err = t.fill(tx, curOff, i); err != nil {
				return false, err
			}
			if wasRoot && curOff != t.rootNode() {
				// The root collapsed into the merged child; resume there.
				curOff = t.rootNode()
				continue
			}
			childOff = ptrOff(cur, i)
		}
		curOff = childOff
	}
}

func (t *tree) removeFromLeaf(tx *pmem.Tx, leafOff uint64, i int) error {
	if err := t.snapshotNode(tx, leafOff); err != nil {
		return err
	}
	leaf := t.node(leafOff)
	if err := tx.FreeBytes(keyOff(leaf, i)); err != nil {
		return err
	}
	if err := tx.FreeBytes(ptrOff(leaf, i)); err != nil {
		return err
	}
	n := nkeys(leaf)
	for j := i; j < n-1; j++ {
		setKeyOff(leaf, j, keyOff(leaf, j+1))
		setPtrOff(leaf, j, ptrOff(leaf, j+1))
	}
	setN(leaf, n-1)
	return t.setCount(tx, t.count()-1)
}

// fill brings the i-th child of the internal node at parentOff above the
// minimum by borrowing from a sibling or merging. It returns the child
// index to keep descending into (merging with the left sibling shifts it).
func (t *tree) fill(tx *pmem.Tx, parentOff uint64, i int) (int, error) {
	parent := t.node(parentOff)

	if i > 0 && t.aboveMin(ptrOff(parent, i-1)) {
		return i, t.borrowFromLeft(tx, parentOff, i)
	}
	if i < nkeys(parent) && t.aboveMin(ptrOff(parent, i+1)) {
		return i, t.borrowFromRight(tx, parentOff, i)
	}
	if i > 0 {
		return i - 1, t.merge(tx, parentOff, i-1)
	}
	return i, t.merge(tx, parentOff, i)
}

func (t *tree) aboveMin(off uint64) bool {
	n := t.node(off)
	if isLeaf(n) {
		return nkeys(n) > minLeaf
	}
	return nkeys(n) > minSeps
}

func (t *tree) borrowFromLeft(tx *pmem.Tx, parentOff uint64, i int) error {
	if err := t.snapshotNode(tx, parentOff); err != nil {
		return err
	}
	parent := t.node(parentOff)
	leftOff := ptrOff(parent, i-1)
	childOff := ptrOff(parent, i)
	if err := t.snapshotNode(tx, leftOff); err != nil {
		return err
	}
	if err := t.snapshotNode(tx, childOff); err != nil {
		return err
	}
	left := t.node(leftOff)
	child := t.node(childOff)
	ln, cn := nkeys(left), nkeys(child)

	if isLeaf(child) {
		// Move left's last entry to the front of child; refresh the
		// separator with a copy of the new minimum.
		for j := cn; j > 0; j-- {
			setKeyOff(child, j, keyOff(child, j-1))
			setPtrOff(child, j, ptrOff(child, j-1))
		}
		setKeyOff(child, 0, keyOff(left, ln-1))
		setPtrOff(child, 0, ptrOff(left, ln-1))
		setN(child, cn+1)
		setN(left, ln-1)

		sepOff, err := tx.AllocBytes(t.key(child, 0))
		if err != nil {
			return err
		}
		if err := tx.FreeBytes(keyOff(parent, i-1)); err != nil {
			return err
		}
		setKeyOff(parent, i-1, sepOff)
		return nil
	}

	// Rotate through the parent separator.
	for j := cn; j > 0; j-- {
		setKeyOff(child, j, keyOff(child, j-1))
	}
	for j := cn + 1; j > 0; j-- {
		setPtrOff(child, j, ptrOff(child, j-1))
	}
	setKeyOff(child, 0, keyOff(parent, i-1))
	setPtrOff(child, 0, ptrOff(left, ln))
	setN(child, cn+1)
	setKeyOff(parent, i-1, keyOff(left, ln-1))
	setN(left, ln-1)
	return nil
}

func (t *tree) borrowFromRight(tx *pmem.Tx, parentOff uint64, i int) error {
	if err := t.snapshotNode(tx, parentOff); err != nil {
		return err
	}
	parent := t.node(parentOff)
	childOff := ptrOff(parent, i)
	rightOff := ptrOff(parent, i+1)
	if err := t.snapshotNode(tx, childOff); err != nil {
		return err
	}
	if err := t.snapshotNode(tx, rightOff); err != nil {
		return err
	}
	child := t.node(childOff)
	right := t.node(rightOff)
	cn, rn := nkeys(child), nkeys(right)

	if isLeaf(child) {
		setKeyOff(child, cn, keyOff(right, 0))
		setPtrOff(child, cn, ptrOff(right, 0))
		setN(child, cn+1)
		for j := 0; j < rn-1; j++ {
			setKeyOff(right, j, keyOff(right, j+1))
			setPtrOff(right, j, ptrOff(right, j+1))
		}
		setN(right, rn-1)

		sepOff, err := tx.AllocBytes(t.key(right, 0))
		if err != nil {
			return err
		}
		if err := tx.FreeBytes(keyOff(parent, i)); err != nil {
			return err
		}
		setKeyOff(parent, i, sepOff)
		return nil
	}

	setKeyOff(child, cn, keyOff(parent, i))
	setPtrOff(child, cn+1, ptrOff(right, 0))
	setN(child, cn+1)
	setKeyOff(parent, i, keyOff(right, 0))
	for j := 0; j < rn-1; j++ {
		setKeyOff(right, j, keyOff(right, j+1))
	}
	for j := 0; j < rn; j++ {
		setPtrOff(right, j, ptrOff(right, j+1))
	}
	setN(right, rn-1)
	return nil
}

// merge folds the i+1-th child of parentOff into the i-th and drops the
// separator between them.
func (t *tree) merge(tx *pmem.Tx, parentOff uint64, i int) error {
	if err := t.snapshotNode(tx, parentOff); err != nil {
		return err
	}
	parent := t.node(parentOff)
	leftOff := ptrOff(parent, i)
	rightOff := ptrOff(parent, i+1)
	if err := t.snapshotNode(tx, leftOff); err != nil {
		return err
	}
	left := t.node(leftOff)
	right := t.node(rightOff)
	ln, rn := nkeys(left), nkeys(right)

	if isLeaf(left) {
		for j := 0; j < rn; j++ {
			setKeyOff(left, ln+j, keyOff(right, j))
			setPtrOff(left, ln+j, ptrOff(right, j))
		}
		setN(left, ln+rn)
		binary.LittleEndian.PutUint64(left[nodeNext:], next(right))
		// The separator copy is owned by the tree and no longer needed.
		if err := tx.FreeBytes(keyOff(parent, i)); err != nil {
			return err
		}
	} else {
		setKeyOff(left, ln, keyOff(parent, i))
		for j := 0; j < rn; j++ {
			setKeyOff(left, ln+1+j, keyOff(right, j))
		}
		for j := 0; j <= rn; j++ {
			setPtrOff(left, ln+1+j, ptrOff(right, j))
		}
		setN(left, ln+1+rn)
	}

	pn := nkeys(parent)
	for j := i; j < pn-1; j++ {
		setKeyOff(parent, j, keyOff(parent, j+1))
	}
	for j := i + 1; j < pn; j++ {
		setPtrOff(parent, j, ptrOff(parent, j+1))
	}
	setN(parent, pn-1)
	if err := tx.Free(rightOff, nodeSize); err != nil {
		return err
	}

	// An empty internal root collapses into its single child.
	if parentOff == t.rootNode() && nkeys(parent) == 0 {
		if err := tx.SetU64(t.meta+metaRoot, leftOff); err != nil {
			return err
		}
		return tx.Free(parentOff, nodeSize)
	}
	return nil
}

// pos is a cursor position inside the tree.
type pos struct {
	leaf uint64
	idx  int
}

func (p pos) valid() bool { return p.leaf != 0 }

// first returns the leftmost entry position.
func (t *tree) first() pos {
	off := t.rootNode()
	if off == 0 {
		return pos{}
	}
	for {
		n := t.node(off)
		if isLeaf(n) {
			if nkeys(n) == 0 {
				return pos{}
			}
			return pos{leaf: off, idx: 0}
		}
		off = ptrOff(n, 0)
	}
}

// last returns the rightmost entry position.
func (t *tree) last() pos {
	off := t.rootNode()
	if off == 0 {
		return pos{}
	}
	for {
		n := t.node(off)
		if isLeaf(n) {
			if nkeys(n) == 0 {
				return pos{}
			}
			return pos{leaf: off, idx: nkeys(n) - 1}
		}
		off = ptrOff(n, nkeys(n))
	}
}

// advance moves p one entry forward via the leaf links.
func (t *tree) advance(p pos) pos {
	n := t.node(p.leaf)
	if p.idx+1 < nkeys(n) {
		return pos{leaf: p.leaf, idx: p.idx + 1}
	}
	off := next(n)
	for off != 0 {
		n = t.node(off)
		if nkeys(n) > 0 {
			return pos{leaf: off, idx: 0}
		}
		off = next(n)
	}
	return pos{}
}

// lowerBound returns the position of the first entry >= k.
func (t *tree) lowerBound(k []byte) pos {
	off := t.rootNode()
	if off == 0 {
		return pos{}
	}
	for {
		n := t.node(off)
		if isLeaf(n) {
			i := t.leafLowerBound(n, k)
			if i >= nkeys(n) {
				return t.skipForward(off)
			}
			return pos{leaf: off, idx: i}
		}
		off = ptrOff(n, t.childIndex(n, k))
	}
}

// skipForward finds the first entry in leaves after off.
func (t *tree) skipForward(off uint64) pos {
	off = next(t.node(off))
	for off != 0 {
		n := t.node(off)
		if nkeys(n) > 0 {
			return pos{leaf: off, idx: 0}
		}
		off = next(n)
	}
	return pos{}
}

// upperBound returns the position of the first entry > k.
func (t *tree) upperBound(k []byte) pos {
	p := t.lowerBound(k)
	if p.valid() && t.cmp(t.keyAt(p), k) == 0 {
		p = t.advance(p)
	}
	return p
}

// maxBelow returns the position of the greatest entry < k.
func (t *tree) maxBelow(k []byte) pos {
	root := t.rootNode()
	if root == 0 {
		return pos{}
	}
	return t.maxBelowIn(root, k)
}

func (t *tree) maxBelowIn(off uint64, k []byte) pos {
	n := t.node(off)
	if isLeaf(n) {
		i := t.leafLowerBound(n, k)
		if i == 0 {
			return pos{}
		}
		return pos{leaf: off, idx: i - 1}
	}

	// i = number of separators strictly below k; child i is the rightmost
	// subtree that can contain entries < k.
	lo, hi := 0, nkeys(n)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp(t.key(n, mid), k) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if p := t.maxBelowIn(ptrOff(n, lo), k); p.valid() {
		return p
	}
	// Routing separators can be stale after deletions; any subtree to the
	// left holds only entries below k, so its maximum qualifies.
	if lo > 0 {
		return t.maxIn(ptrOff(n, lo-1))
	}
	return pos{}
}

func (t *tree) maxIn(off uint64) pos {
	for {
		n := t.node(off)
		if isLeaf(n) {
			if nkeys(n) == 0 {
				return pos{}
			}
			return pos{leaf: off, idx: nkeys(n) - 1}
		}
		off = ptrOff(n, nkeys(n))
	}
}

// find returns the position of the exact key, or an invalid position.
func (t *tree) find(k []byte) pos {
	p := t.lowerBound(k)
	if p.valid() && t.cmp(t.keyAt(p), k) == 0 {
		return p
	}
	return pos{}
}

func (t *tree) keyAt(p pos) []byte {
	return t.key(t.node(p.leaf), p.idx)
}

func (t *tree) valueAt(p pos) []byte {
	return t.p.Bytes(ptrOff(t.node(p.leaf), p.idx))
}
