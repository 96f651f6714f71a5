package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/projectd/internal/metrics"
	"github.com/fruitsalade/projectd/internal/storage"
	"github.com/fruitsalade/projectd/internal/tree"
)

// treeError maps a tree lookup failure to a registry error kind.
func treeError(op, project, path string, err error) error {
	switch {
	case errors.Is(err, tree.ErrNotFound):
		return newError(op, project, path, ErrNotFound, err)
	case errors.Is(err, tree.ErrFileInPath):
		return newError(op, project, path, ErrAlreadyExists, err)
	case errors.Is(err, tree.ErrCorrupt):
		return newError(op, project, path, ErrCorrupt, err)
	}
	return newError(op, project, path, ErrIO, err)
}

// storageError maps a storage failure to a registry error kind.
func storageError(op, project, path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrExist):
		return newError(op, project, path, ErrAlreadyExists, err)
	case errors.Is(err, fs.ErrNotExist):
		return newError(op, project, path, ErrStructuralConflict, err)
	}
	return newError(op, project, path, ErrIO, err)
}

// commit installs a working tree as the project's tree.
func commit(p *Project, root *tree.Node) {
	p.Root = root
	metrics.SetTreeNodes(p.Name, tree.Count(root))
}

// UploadFile moves a staged file into the root of the project's files
// directory under name.
func (r *Registry) UploadFile(ctx context.Context, project, stagedPath, name string) (err error) {
	defer func() { r.record(ctx, "upload", project, name, err) }()

	e, err := r.acquire("upload", project)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if !validLeaf(name) {
		return newError("upload", project, name, ErrInvalidPath, nil)
	}
	p := e.project
	if _, taken := p.Root.Children[name]; taken {
		return newError("upload", project, name, ErrAlreadyExists, nil)
	}
	if err := ctx.Err(); err != nil {
		return newError("upload", project, name, ErrIO, err)
	}

	if err := r.store.Import(ctx, stagedPath, storage.FileKey(p.Handle, name)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return newError("upload", project, name, ErrAlreadyExists, err)
		}
		return newError("upload", project, name, ErrIO, err)
	}

	tree.Insert(p.Root, tree.NewFile("", name, ""))
	metrics.SetTreeNodes(p.Name, tree.Count(p.Root))

	if err := r.persist(ctx, p); err != nil {
		return newError("upload", project, name, ErrIO, err)
	}
	r.publish(p.Name)
	return nil
}

// DeleteFile removes the file or directory at path together with any
// directories left empty by its removal. An empty path is a no-op.
func (r *Registry) DeleteFile(ctx context.Context, project, path string) (err error) {
	defer func() { r.record(ctx, "delete_file", project, path, err) }()

	e, err := r.acquire("delete_file", project)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	clean := tree.Normalize(path)
	if clean == "" {
		return nil
	}
	p := e.project

	working := tree.Clone(p.Root)
	parent, node, err := tree.Resolve(working, clean)
	if err != nil {
		return treeError("delete_file", project, path, err)
	}
	tree.Remove(parent, node.Name)

	target := node.Path
	if emptied := tree.CollectEmptyAncestors(working, node.Path); emptied != nil {
		target = emptied.Path
	}

	if err := ctx.Err(); err != nil {
		return newError("delete_file", project, path, ErrIO, err)
	}
	if err := r.store.DeleteTree(ctx, storage.FileKey(p.Handle, target)); err != nil {
		return newError("delete_file", project, path, ErrIO, err)
	}

	commit(p, working)
	if err := r.persist(ctx, p); err != nil {
		return newError("delete_file", project, path, ErrIO, err)
	}
	r.publish(p.Name)
	return nil
}

// RenameFile moves the node at path to newPath, creating destination
// directories as needed and removing directories emptied on the source side.
// Every collision is detected before storage is touched. Renaming a node to
// its current path does nothing.
func (r *Registry) RenameFile(ctx context.Context, project, path, newPath string) (err error) {
	defer func() { r.record(ctx, "rename_file", project, path, err) }()

	e, err := r.acquire("rename_file", project)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	src, dst := tree.Normalize(path), tree.Normalize(newPath)
	if src == "" || dst == "" {
		return newError("rename_file", project, path, ErrInvalidPath, fmt.Errorf("%q -> %q", path, newPath))
	}
	dstSegs := tree.Split(dst)
	for _, seg := range dstSegs {
		if !validLeaf(seg) {
			return newError("rename_file", project, path, ErrInvalidPath, fmt.Errorf("segment %q", seg))
		}
	}

	p := e.project
	working := tree.Clone(p.Root)
	srcParent, node, err := tree.Resolve(working, src)
	if err != nil {
		return treeError("rename_file", project, path, err)
	}
	if src == dst {
		return nil
	}
	if node.IsDir() && strings.HasPrefix(dst+tree.Separator, src+tree.Separator) {
		return newError("rename_file", project, path, ErrInvalidPath, fmt.Errorf("cannot move %s into itself", src))
	}

	dirSegs, leaf := dstSegs[:len(dstSegs)-1], dstSegs[len(dstSegs)-1]
	firstMissing, err := tree.PlanMaterialize(working, dirSegs)
	if err != nil {
		return treeError("rename_file", project, path, err)
	}
	if firstMissing < 0 {
		dstParent, _ := tree.Materialize(working, dirSegs)
		if _, taken := dstParent.Children[leaf]; taken {
			return newError("rename_file", project, path, ErrAlreadyExists, fmt.Errorf("%s", dst))
		}
	}

	if err := ctx.Err(); err != nil {
		return newError("rename_file", project, path, ErrIO, err)
	}

	// Destination directories first, remembering the highest one created so
	// a failed move can remove it again.
	var created string
	if firstMissing >= 0 {
		created = strings.Join(dirSegs[:firstMissing+1], tree.Separator)
		if err := r.store.CreateDirectory(ctx, storage.FileKey(p.Handle, strings.Join(dirSegs, tree.Separator))); err != nil {
			r.undoCreated(ctx, p, created)
			return newError("rename_file", project, path, ErrIO, err)
		}
	}
	if err := r.store.MoveFile(ctx, storage.FileKey(p.Handle, src), storage.FileKey(p.Handle, dst)); err != nil {
		if created != "" {
			r.undoCreated(ctx, p, created)
		}
		return storageError("rename_file", project, path, err)
	}

	tree.Remove(srcParent, node.Name)
	dstParent, err := tree.Materialize(working, dirSegs)
	if err != nil {
		// PlanMaterialize already accepted this chain.
		return treeError("rename_file", project, path, err)
	}
	node.Name = leaf
	tree.RenamePath(node, dstParent.Path)
	tree.Insert(dstParent, node)

	emptied := tree.CollectEmptyAncestors(working, src)
	commit(p, working)

	var cleanupErr error
	if emptied != nil {
		if err := r.removeTree(ctx, storage.FileKey(p.Handle, emptied.Path)); err != nil {
			cleanupErr = newError("rename_file", project, path, ErrIO, err)
		}
	}
	if err := r.persist(ctx, p); err != nil {
		return newError("rename_file", project, path, ErrIO, err)
	}
	r.publish(p.Name)
	return cleanupErr
}

func (r *Registry) undoCreated(ctx context.Context, p *Project, dir string) {
	if err := r.removeTree(ctx, storage.FileKey(p.Handle, dir)); err != nil {
		r.log.Error("remove destination directories failed",
			zap.String("project", p.Name),
			zap.String("path", dir),
			zap.Error(err),
		)
	}
}

// Verify compares the project's tree with the listing of its files
// directory and reports the first divergence as ErrStructuralConflict.
func (r *Registry) Verify(ctx context.Context, project string) (err error) {
	defer func() { r.record(ctx, "verify", project, "", err) }()

	e, err := r.acquire("verify", project)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	p := e.project
	onDisk, err := r.store.ListFiles(ctx, p.Handle)
	if err != nil {
		return newError("verify", project, "", ErrIO, err)
	}

	var inTree []string
	tree.Walk(p.Root, func(n *tree.Node) error {
		inTree = append(inTree, n.EncodedPath())
		return nil
	})
	sort.Strings(inTree)

	i, j := 0, 0
	for i < len(inTree) && j < len(onDisk) {
		switch {
		case inTree[i] == onDisk[j]:
			i++
			j++
		case inTree[i] < onDisk[j]:
			return newError("verify", project, inTree[i], ErrStructuralConflict, errors.New("missing on storage"))
		default:
			return newError("verify", project, onDisk[j], ErrStructuralConflict, errors.New("missing from tree"))
		}
	}
	if i < len(inTree) {
		return newError("verify", project, inTree[i], ErrStructuralConflict, errors.New("missing on storage"))
	}
	if j < len(onDisk) {
		return newError("verify", project, onDisk[j], ErrStructuralConflict, errors.New("missing from tree"))
	}
	return nil
}
