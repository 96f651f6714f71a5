package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/projectd/internal/events"
	"github.com/fruitsalade/projectd/internal/metrics"
	"github.com/fruitsalade/projectd/internal/storage"
	"github.com/fruitsalade/projectd/internal/tree"
)

// CreateProject allocates storage for a new project and registers it. If any
// storage step fails the project directory is removed again.
func (r *Registry) CreateProject(ctx context.Context, name, description string) (err error) {
	defer func() { r.record(ctx, "create", name, "", err) }()

	if !validName(name) {
		return newError("create", name, "", ErrInvalidName, nil)
	}

	// Reserve the name so concurrent creates conflict.
	e := &entry{state: StateLoading}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if _, taken := r.projects[name]; taken {
		r.mu.Unlock()
		return newError("create", name, "", ErrAlreadyExists, nil)
	}
	r.projects[name] = e
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.projects, name)
		r.mu.Unlock()
	}

	if err := ctx.Err(); err != nil {
		release()
		return newError("create", name, "", ErrIO, err)
	}

	handle, err := r.store.CreateProject(ctx)
	if err != nil {
		release()
		return newError("create", name, "", ErrIO, err)
	}

	p := &Project{
		Name:        name,
		Description: description,
		Active:      true,
		Handle:      handle,
		Root:        tree.NewRoot(),
	}
	if err := r.persist(ctx, p); err != nil {
		if delErr := r.removeTree(ctx, handle); delErr != nil {
			r.log.Error("rollback of project directory failed",
				zap.String("project", name),
				zap.String("handle", handle),
				zap.Error(delErr),
			)
		}
		release()
		return newError("create", name, "", ErrIO, err)
	}

	e.project = p
	e.state = StateActive
	metrics.SetTreeNodes(name, 0)
	r.refreshGauges()
	r.publish(events.TopicProjects)
	return nil
}

// DeactivateProject marks the project inactive on storage and drops it from
// the registry. Its directory is deleted by the next Load.
func (r *Registry) DeactivateProject(ctx context.Context, name string) (err error) {
	defer func() { r.record(ctx, "deactivate", name, "", err) }()

	e, err := r.acquire("deactivate", name)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	p := e.project
	p.Active = false
	if err := r.persist(ctx, p); err != nil {
		p.Active = true
		return newError("deactivate", name, "", ErrIO, err)
	}

	e.state = StateDeactivated
	r.mu.Lock()
	delete(r.projects, name)
	r.mu.Unlock()

	metrics.ForgetProject(name)
	r.refreshGauges()
	r.publish(events.TopicProjects, name)
	return nil
}

// RenameProject renames a project and moves its subscribers to the new
// topic. Renaming a project onto its own name is rejected.
func (r *Registry) RenameProject(ctx context.Context, oldName, newName string) (err error) {
	defer func() { r.record(ctx, "rename", oldName, "", err) }()

	if !validName(newName) {
		return newError("rename", oldName, "", ErrInvalidName, fmt.Errorf("%q", newName))
	}

	e, err := r.acquire("rename", oldName)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	// Reserve the new name while the document is written.
	placeholder := &entry{state: StateLoading}
	r.mu.Lock()
	if _, taken := r.projects[newName]; taken {
		r.mu.Unlock()
		return newError("rename", oldName, "", ErrAlreadyExists, fmt.Errorf("%q", newName))
	}
	r.projects[newName] = placeholder
	r.mu.Unlock()

	p := e.project
	p.Name = newName
	if err := r.persist(ctx, p); err != nil {
		p.Name = oldName
		r.mu.Lock()
		delete(r.projects, newName)
		r.mu.Unlock()
		return newError("rename", oldName, "", ErrIO, err)
	}

	r.mu.Lock()
	r.projects[newName] = e
	delete(r.projects, oldName)
	r.mu.Unlock()

	metrics.ForgetProject(oldName)
	metrics.SetTreeNodes(newName, tree.Count(p.Root))

	pub := r.publisher()
	moved := pub.Rename(oldName, newName)
	r.log.Debug("subscribers moved",
		zap.String("from", oldName),
		zap.String("to", newName),
		zap.Int("count", moved),
	)
	pub.Publish(newName)
	pub.Publish(events.TopicProjects)
	return nil
}

// ReloadProject discards the in-memory tree and re-reads the project's
// metadata document.
func (r *Registry) ReloadProject(ctx context.Context, name string) (_ Detail, err error) {
	defer func() { r.record(ctx, "reload", name, "", err) }()

	e, err := r.acquire("reload", name)
	if err != nil {
		return Detail{}, err
	}
	defer e.mu.Unlock()

	handle := e.project.Handle
	data, times, err := r.store.ReadMetadata(ctx, handle)
	if err != nil {
		return Detail{}, newError("reload", name, "", ErrIO, err)
	}
	p, err := decodeProject(handle, data, times)
	if err != nil {
		return Detail{}, newError("reload", name, "", ErrCorrupt, err)
	}
	if p.Name != name || !p.Active {
		return Detail{}, newError("reload", name, "", ErrCorrupt,
			fmt.Errorf("%s names project %q, active=%t", storage.MetadataKey(handle), p.Name, p.Active))
	}

	e.project = p
	metrics.SetTreeNodes(name, tree.Count(p.Root))
	r.publish(name)
	return p.detail(), nil
}
