// Package rbtree implements a generic ordered map backed by a red-black
// tree, giving O(log n) insert/lookup/delete with predecessor/successor
// iteration that survives unrelated mutation — exactly the container
// spec.md §3 "Ordering" asks for Mesh.all and Mesh.run, and that mesh
// states reuse for their super_set/sub_set edge sets. The reference C
// implementation keys its rbtree.t nodes off query_info comparisons
// directly; this package is the Go-native, generic equivalent (the
// original's util/rbtree.c was not part of the retrieved source, so this
// is written fresh rather than translated).
package rbtree

type color bool

const (
	red   color = true
	black color = false
)

// Node is one entry in the tree. Callers iterate with Min/Max and
// Node.Next/Node.Prev; the tree never reuses or moves a live Node's
// identity under mutation of unrelated keys.
type Node[K any, V any] struct {
	left, right, parent *Node[K, V]
	color               color
	Key                 K
	Value               V
}

// Tree is an ordered map from K to V. The zero value is not usable; create
// one with New.
type Tree[K any, V any] struct {
	root *Node[K, V]
	cmp  func(a, b K) bool // strict less-than
	size int
}

// New builds an empty Tree ordered by less (a strict less-than comparator,
// e.g. queryinfo.Less).
func New[K any, V any](less func(a, b K) bool) *Tree[K, V] {
	return &Tree[K, V]{cmp: less}
}

// Len returns the number of entries.
func (t *Tree[K, V]) Len() int { return t.size }

func (t *Tree[K, V]) less(a, b K) bool { return t.cmp(a, b) }

// Find returns the node for key, or nil if absent.
func (t *Tree[K, V]) Find(key K) *Node[K, V] {
	n := t.root
	for n != nil {
		switch {
		case t.less(key, n.Key):
			n = n.left
		case t.less(n.Key, key):
			n = n.right
		default:
			return n
		}
	}
	return nil
}

// Get is a convenience wrapper over Find.
func (t *Tree[K, V]) Get(key K) (V, bool) {
	if n := t.Find(key); n != nil {
		return n.Value, true
	}
	var zero V
	return zero, false
}

// Insert adds key/value, or overwrites the value if key is already
// present. Returns the node and whether the key already existed.
func (t *Tree[K, V]) Insert(key K, value V) (*Node[K, V], bool) {
	var parent *Node[K, V]
	n := t.root
	for n != nil {
		parent = n
		switch {
		case t.less(key, n.Key):
			n = n.left
		case t.less(n.Key, key):
			n = n.right
		default:
			n.Value = value
			return n, true
		}
	}

	node := &Node[K, V]{Key: key, Value: value, color: red, parent: parent}
	switch {
	case parent == nil:
		t.root = node
	case t.less(key, parent.Key):
		parent.left = node
	default:
		parent.right = node
	}
	t.size++
	t.insertFixup(node)
	return node, false
}

// Delete removes key. Returns whether the key was present.
func (t *Tree[K, V]) Delete(key K) bool {
	n := t.Find(key)
	if n == nil {
		return false
	}
	t.deleteNode(n)
	t.size--
	return true
}

// Min returns the node with the smallest key, or nil if the tree is empty.
func (t *Tree[K, V]) Min() *Node[K, V] { return min(t.root) }

// Max returns the node with the largest key, or nil if the tree is empty.
func (t *Tree[K, V]) Max() *Node[K, V] { return max(t.root) }

// Next returns the in-order successor of n, or nil if n is the maximum.
func (n *Node[K, V]) Next() *Node[K, V] {
	if n.right != nil {
		return min(n.right)
	}
	x := n
	p := x.parent
	for p != nil && x == p.right {
		x = p
		p = p.parent
	}
	return p
}

// Prev returns the in-order predecessor of n, or nil if n is the minimum.
func (n *Node[K, V]) Prev() *Node[K, V] {
	if n.left != nil {
		return max(n.left)
	}
	x := n
	p := x.parent
	for p != nil && x == p.left {
		x = p
		p = p.parent
	}
	return p
}

func min[K any, V any](n *Node[K, V]) *Node[K, V] {
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

func max[K any, V any](n *Node[K, V]) *Node[K, V] {
	if n == nil {
		return nil
	}
	for n.right != nil {
		n = n.right
	}
	return n
}

func (t *Tree[K, V]) rotateLeft(x *Node[K, V]) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		t.root = y
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (t *Tree[K, V]) rotateRight(x *Node[K, V]) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		t.root = y
	case x == x.parent.right:
		x.parent.right = y
	default:
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

func (t *Tree[K, V]) insertFixup(z *Node[K, V]) {
	for z.parent != nil && z.parent.color == red {
		gp := z.parent.parent
		if gp == nil {
			break
		}
		if z.parent == gp.left {
			uncle := gp.right
			if isRed(uncle) {
				z.parent.color = black
				uncle.color = black
				gp.color = red
				z = gp
				continue
			}
			if z == z.parent.right {
				z = z.parent
				t.rotateLeft(z)
			}
			z.parent.color = black
			gp.color = red
			t.rotateRight(gp)
		} else {
			uncle := gp.left
			if isRed(uncle) {
				z.parent.color = black
				uncle.color = black
				gp.color = red
				z = gp
				continue
			}
			if z == z.parent.left {
				z = z.parent
				t.rotateRight(z)
			}
			z.parent.color = black
			gp.color = red
			t.rotateLeft(gp)
		}
	}
	t.root.color = black
}

func isRed[K any, V any](n *Node[K, V]) bool {
	return n != nil && n.color == red
}

func (t *Tree[K, V]) transplant(u, v *Node[K, V]) {
	switch {
	case u.parent == nil:
		t.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

func (t *Tree[K, V]) deleteNode(z *Node[K, V]) {
	y := z
	yOriginalColor := y.color
	var x, xParent *Node[K, V]

	if z.left == nil {
		x = z.right
		xParent = z.parent
		t.transplant(z, z.right)
	} else if z.right == nil {
		x = z.left
		xParent = z.parent
		t.transplant(z, z.left)
	} else {
		y = min(z.right)
		yOriginalColor = y.color
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
	}

	if yOriginalColor == black {
		t.deleteFixup(x, xParent)
	}
}

func (t *Tree[K, V]) deleteFixup(x, parent *Node[K, V]) {
	for x != t.root && !isRed(x) && parent != nil {
		if x == parent.left {
			w := parent.right
			if isRed(w) {
				w.color = black
				parent.color = red
				t.rotateLeft(parent)
				w = parent.right
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if !isRed(w.left) && !isRed(w.right) {
				w.color = red
				x = parent
				parent = x.parent
				continue
			}
			if !isRed(w.right) {
				if w.left != nil {
					w.left.color = black
				}
				w.color = red
				t.rotateRight(w)
				w = parent.right
			}
			w.color = parent.color
			parent.color = black
			if w.right != nil {
				w.right.color = black
			}
			t.rotateLeft(parent)
			x = t.root
		} else {
			w := parent.left
			if isRed(w) {
				w.color = black
				parent.color = red
				t.rotateRight(parent)
				w = parent.left
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if !isRed(w.right) && !isRed(w.left) {
				w.color = red
				x = parent
				parent = x.parent
				continue
			}
			if !isRed(w.left) {
				if w.right != nil {
					w.right.color = black
				}
				w.color = red
				t.rotateLeft(w)
				w = parent.left
			}
			w.color = parent.color
			parent.color = black
			if w.left != nil {
				w.left.color = black
			}
			t.rotateRight(parent)
			x = t.root
		}
	}
	if x != nil {
		x.color = black
	}
}
