// Package tree holds the in-memory file tree of a project and the algorithms
// that resolve, materialize, move and garbage-collect its nodes.
package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Separator delimits path segments, in memory and in metadata.json.
const Separator = "/"

// Kind tags a Node as a file or a directory.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// Node is a file or directory entry mirroring the project's files/ hierarchy.
//
// Path is the slash-separated path from the files root without a trailing
// separator. Directory paths only gain their trailing separator when encoded.
type Node struct {
	Kind        Kind
	Name        string
	Path        string
	Description string           // files only
	Children    map[string]*Node // directories only
}

// NewRoot returns the empty directory standing for a project's files root.
func NewRoot() *Node {
	return &Node{Kind: KindDirectory, Children: make(map[string]*Node)}
}

// NewFile returns a file node named name under parentPath.
func NewFile(parentPath, name, description string) *Node {
	return &Node{
		Kind:        KindFile,
		Name:        name,
		Path:        Join(parentPath, name),
		Description: description,
	}
}

// NewDirectory returns an empty directory node named name under parentPath.
func NewDirectory(parentPath, name string) *Node {
	return &Node{
		Kind:     KindDirectory,
		Name:     name,
		Path:     Join(parentPath, name),
		Children: make(map[string]*Node),
	}
}

// IsDir reports whether n is a directory.
func (n *Node) IsDir() bool {
	return n != nil && n.Kind == KindDirectory
}

// EncodedPath returns the path as written to metadata.json: directories end
// with the separator, files never do.
func (n *Node) EncodedPath() string {
	if n.IsDir() && n.Path != "" {
		return n.Path + Separator
	}
	return n.Path
}

// SortedNames returns the child names of a directory in lexical order.
func (n *Node) SortedNames() []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type fileJSON struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

type dirJSON struct {
	Name  string           `json:"name"`
	Path  string           `json:"path"`
	Files map[string]*Node `json:"files"`
}

// MarshalJSON encodes files as {name, path, description} and directories as
// {name, path, files}.
func (n *Node) MarshalJSON() ([]byte, error) {
	if n.IsDir() {
		files := n.Children
		if files == nil {
			files = map[string]*Node{}
		}
		return json.Marshal(dirJSON{Name: n.Name, Path: n.EncodedPath(), Files: files})
	}
	return json.Marshal(fileJSON{Name: n.Name, Path: n.Path, Description: n.Description})
}

// UnmarshalJSON decodes either variant. An object carrying a "files" member is
// a directory.
func (n *Node) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if _, ok := probe["files"]; ok {
		var d dirJSON
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		if d.Files == nil {
			d.Files = map[string]*Node{}
		}
		*n = Node{
			Kind:     KindDirectory,
			Name:     d.Name,
			Path:     trimTrailing(d.Path),
			Children: d.Files,
		}
		return nil
	}
	var f fileJSON
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Node{
		Kind:        KindFile,
		Name:        f.Name,
		Path:        f.Path,
		Description: f.Description,
	}
	return nil
}

// Files is the `files` member of a metadata document: the children of the
// project root keyed by name.
type Files map[string]*Node

// MarshalJSON never emits null for an empty tree.
func (f Files) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]*Node(f))
}

// RootFromFiles wraps decoded top-level children into a root directory and
// checks the structure.
func RootFromFiles(files Files) (*Node, error) {
	root := NewRoot()
	for name, child := range files {
		if child == nil {
			return nil, fmt.Errorf("%w: null entry %q", ErrCorrupt, name)
		}
		root.Children[name] = child
	}
	if err := Validate(root); err != nil {
		return nil, err
	}
	return root, nil
}

// FilesOf returns the children of root in the form stored in metadata.json.
func FilesOf(root *Node) Files {
	if root == nil {
		return Files{}
	}
	return Files(root.Children)
}

func trimTrailing(p string) string {
	for len(p) > 0 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

// String renders the tree one node per line, indented by depth. Used in logs
// and test failures.
func (n *Node) String() string {
	var buf bytes.Buffer
	var write func(node *Node, depth int)
	write = func(node *Node, depth int) {
		for _, name := range node.SortedNames() {
			child := node.Children[name]
			for i := 0; i < depth; i++ {
				buf.WriteString("  ")
			}
			buf.WriteString(child.EncodedPath())
			buf.WriteByte('\n')
			if child.IsDir() {
				write(child, depth+1)
			}
		}
	}
	if n.IsDir() {
		write(n, 0)
	}
	return buf.String()
}
