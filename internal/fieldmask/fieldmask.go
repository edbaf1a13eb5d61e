// Package fieldmask implements the prefix-tree field mask used by the
// Kubernetes reflector cache (spec.md §3 Field Mask Tree, §4.F) to prune
// resource snapshots down to the paths a context-aware policy actually
// declared it needs.
package fieldmask

import "sort"

// Node is one level of a field mask prefix tree. A terminal node (no
// children) means "keep everything below this point"; pruning stops there.
type Node struct {
	children   map[string]*Node
	isTerminal bool
}

// New builds a tree from a set of dot-separated paths, e.g.
// "metadata.name", "spec.containers.name", "status".
func New(paths []string) *Node {
	root := &Node{children: map[string]*Node{}}
	for _, p := range paths {
		root.insert(p)
	}
	return root
}

func (n *Node) insert(path string) {
	current := n
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			part := path[start:i]
			if part != "" {
				child, ok := current.children[part]
				if !ok {
					child = &Node{children: map[string]*Node{}}
					current.children[part] = child
				}
				current = child
			}
			start = i + 1
		}
	}
	current.isTerminal = true
}

// Prune removes, in place, every field of val not reachable through the
// mask tree. Object keys not present in the mask are dropped; arrays are
// transparent (the current node is applied to every element); once a
// terminal node with no children is reached, recursion stops and the
// subtree is retained whole.
func Prune(val any, node *Node) {
	if node == nil {
		return
	}
	if node.isTerminal && len(node.children) == 0 {
		return
	}

	switch v := val.(type) {
	case map[string]any:
		for key, child := range v {
			childNode, ok := node.children[key]
			if !ok {
				delete(v, key)
				continue
			}
			Prune(child, childNode)
		}
	case []any:
		for _, item := range v {
			Prune(item, node)
		}
	default:
		// primitive: nothing further to prune.
	}
}

// Paths returns the set of dot-separated paths the tree was built from, in
// sorted order; used for logging/debugging.
func (n *Node) Paths() []string {
	var out []string
	var walk func(prefix string, node *Node)
	walk = func(prefix string, node *Node) {
		if node.isTerminal {
			out = append(out, prefix)
		}
		for key, child := range node.children {
			next := key
			if prefix != "" {
				next = prefix + "." + key
			}
			walk(next, child)
		}
	}
	walk("", n)
	sort.Strings(out)
	return out
}
