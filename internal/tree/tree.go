package tree

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a path segment does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt is returned when a file sits where the structure requires a
	// directory, or when a node's path disagrees with its position.
	ErrCorrupt = errors.New("corrupt file structure")
	// ErrFileInPath is returned by Materialize when an existing file occupies
	// a segment that must be a directory.
	ErrFileInPath = errors.New("file already exists where a directory is required")
)

// Split trims leading and trailing separators and returns the non-empty
// segments of p. Repeated separators collapse.
func Split(p string) []string {
	fields := strings.Split(p, Separator)
	segs := fields[:0]
	for _, f := range fields {
		if f != "" {
			segs = append(segs, f)
		}
	}
	return segs
}

// Normalize returns p with repeated separators collapsed and no leading or
// trailing separator.
func Normalize(p string) string {
	return strings.Join(Split(p), Separator)
}

// Join constructs a child path from a parent path and a leaf name.
func Join(parentPath, name string) string {
	if parentPath == "" {
		return name
	}
	return parentPath + Separator + name
}

// Dir returns the parent path of p ("" for top-level entries).
func Dir(p string) string {
	p = Normalize(p)
	if i := strings.LastIndex(p, Separator); i >= 0 {
		return p[:i]
	}
	return ""
}

// Resolve locates the node at p and returns it with its parent directory.
// A missing segment yields ErrNotFound; an intermediate file yields ErrCorrupt.
func Resolve(root *Node, p string) (parent, node *Node, err error) {
	segs := Split(p)
	if len(segs) == 0 {
		return nil, nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	dir := root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := dir.Children[seg]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		if !child.IsDir() {
			return nil, nil, fmt.Errorf("%w: %s is not a directory", ErrCorrupt, child.Path)
		}
		dir = child
	}
	leaf, ok := dir.Children[segs[len(segs)-1]]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return dir, leaf, nil
}

// PlanMaterialize walks dirSegs without mutating the tree. It returns the
// index of the first segment that would have to be created, or -1 when the
// whole chain already exists.
func PlanMaterialize(root *Node, dirSegs []string) (firstMissing int, err error) {
	dir := root
	for i, seg := range dirSegs {
		child, ok := dir.Children[seg]
		if !ok {
			return i, nil
		}
		if !child.IsDir() {
			return -1, fmt.Errorf("%w: %s", ErrFileInPath, child.Path)
		}
		dir = child
	}
	return -1, nil
}

// Materialize walks dirSegs from root, creating empty directories for missing
// segments, and returns the deepest directory.
func Materialize(root *Node, dirSegs []string) (*Node, error) {
	dir := root
	for _, seg := range dirSegs {
		child, ok := dir.Children[seg]
		if !ok {
			child = NewDirectory(dir.Path, seg)
			dir.Children[seg] = child
		}
		if !child.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrFileInPath, child.Path)
		}
		dir = child
	}
	return dir, nil
}

// Insert adds node under dir. The caller guarantees the name is free.
func Insert(dir, node *Node) {
	if dir.Children == nil {
		dir.Children = make(map[string]*Node)
	}
	dir.Children[node.Name] = node
}

// Remove detaches and returns the child called name, or nil.
func Remove(dir *Node, name string) *Node {
	child, ok := dir.Children[name]
	if !ok {
		return nil
	}
	delete(dir.Children, name)
	return child
}

// CollectEmptyAncestors runs after the node at p was removed. It walks the
// directories on p's parent chain that still exist, then removes them bottom
// up for as long as they are empty. The root is never removed. It returns the
// highest directory removed, or nil if the immediate parent is not empty.
func CollectEmptyAncestors(root *Node, p string) *Node {
	segs := Split(p)
	if len(segs) == 0 {
		return nil
	}
	stack := []*Node{root}
	dir := root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := dir.Children[seg]
		if !ok || !child.IsDir() {
			break
		}
		stack = append(stack, child)
		dir = child
	}

	var emptied *Node
	for i := len(stack) - 1; i > 0; i-- {
		d := stack[i]
		if len(d.Children) > 0 {
			break
		}
		delete(stack[i-1].Children, d.Name)
		emptied = d
	}
	return emptied
}

// RenamePath rewrites node's path to live under newParentPath and, for
// directories, every descendant's path accordingly.
func RenamePath(node *Node, newParentPath string) {
	node.Path = Join(newParentPath, node.Name)
	if !node.IsDir() {
		return
	}
	for _, child := range node.Children {
		RenamePath(child, node.Path)
	}
}

// Clone returns a deep copy of n.
func Clone(n *Node) *Node {
	if n == nil {
		return nil
	}
	cp := *n
	if n.Children != nil {
		cp.Children = make(map[string]*Node, len(n.Children))
		for name, child := range n.Children {
			cp.Children[name] = Clone(child)
		}
	}
	return &cp
}

// Count returns the number of nodes below root, root excluded.
func Count(root *Node) int {
	if root == nil {
		return 0
	}
	count := 0
	for _, child := range root.Children {
		count++
		if child.IsDir() {
			count += Count(child)
		}
	}
	return count
}

// Walk calls fn for every node below root in lexical order, parents before
// children. A non-nil error from fn stops the walk.
func Walk(root *Node, fn func(n *Node) error) error {
	for _, name := range root.SortedNames() {
		child := root.Children[name]
		if err := fn(child); err != nil {
			return err
		}
		if child.IsDir() {
			if err := Walk(child, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate checks that every node's name matches its key and its path equals
// its parent's path joined with its name.
func Validate(root *Node) error {
	var check func(dir *Node) error
	check = func(dir *Node) error {
		for key, child := range dir.Children {
			if child == nil {
				return fmt.Errorf("%w: null entry %q under %q", ErrCorrupt, key, dir.Path)
			}
			if child.Name != key {
				return fmt.Errorf("%w: entry %q is named %q", ErrCorrupt, key, child.Name)
			}
			if key == "" || strings.Contains(key, Separator) || key == "." || key == ".." {
				return fmt.Errorf("%w: invalid name %q", ErrCorrupt, key)
			}
			if want := Join(dir.Path, key); child.Path != want {
				return fmt.Errorf("%w: %q has path %q, want %q", ErrCorrupt, key, child.Path, want)
			}
			if child.IsDir() {
				if child.Children == nil {
					child.Children = make(map[string]*Node)
				}
				if err := check(child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return check(root)
}
