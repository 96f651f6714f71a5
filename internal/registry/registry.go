// Package registry owns the set of projects and their in-memory file trees,
// keeping each tree consistent with its metadata document and with the
// project's files directory on storage.
//
// Mutating file operations follow one order: validate against a working copy
// of the tree, perform the physical storage operation, commit the working
// copy, persist metadata, then notify subscribers.
package registry

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/projectd/internal/events"
	"github.com/fruitsalade/projectd/internal/logging"
	"github.com/fruitsalade/projectd/internal/metrics"
	"github.com/fruitsalade/projectd/internal/storage"
	"github.com/fruitsalade/projectd/internal/tree"
)

// Publisher receives change signals. *events.Notifier implements it.
type Publisher interface {
	Publish(topic string)
	Rename(oldTopic, newTopic string) int
}

type nopPublisher struct{}

func (nopPublisher) Publish(string)            {}
func (nopPublisher) Rename(string, string) int { return 0 }

// State is a project's lifecycle state.
type State int

const (
	StateLoading State = iota
	StateActive
	StateDeactivated
)

// entry guards one project. Lock order: entry.mu before Registry.mu.
type entry struct {
	mu      sync.Mutex
	state   State
	project *Project
}

// Options configures a Registry.
type Options struct {
	// Mirror, if set, receives a copy of every metadata document written.
	Mirror storage.Mirror
	// LoadConcurrency bounds how many projects Load reads at once.
	LoadConcurrency int
}

// Registry is the set of active projects.
type Registry struct {
	store  storage.Adapter
	mirror storage.Mirror
	limit  int
	log    *zap.Logger

	mu       sync.RWMutex
	projects map[string]*entry

	pubMu sync.RWMutex
	pub   Publisher
}

// New creates an empty registry over store. Call Load before serving.
func New(store storage.Adapter, opts Options) *Registry {
	limit := opts.LoadConcurrency
	if limit < 1 {
		limit = 8
	}
	return &Registry{
		store:    store,
		mirror:   opts.Mirror,
		limit:    limit,
		log:      logging.Named("registry"),
		projects: make(map[string]*entry),
		pub:      nopPublisher{},
	}
}

// Subscribe attaches the publisher that receives change signals.
func (r *Registry) Subscribe(p Publisher) {
	if p == nil {
		p = nopPublisher{}
	}
	r.pubMu.Lock()
	r.pub = p
	r.pubMu.Unlock()
}

func (r *Registry) publisher() Publisher {
	r.pubMu.RLock()
	defer r.pubMu.RUnlock()
	return r.pub
}

func (r *Registry) publish(topics ...string) {
	p := r.publisher()
	for _, t := range topics {
		p.Publish(t)
	}
}

// record logs and counts the outcome of an operation, tagged with the
// request that caused it.
func (r *Registry) record(ctx context.Context, op, project, path string, err error) {
	metrics.RecordRegistryOperation(op, err)
	fields := []zap.Field{zap.String("op", op), zap.String("project", project)}
	if path != "" {
		fields = append(fields, zap.String("path", path))
	}
	if id := logging.GetRequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if err != nil {
		r.log.Error("operation failed", append(fields, zap.Error(err))...)
		return
	}
	r.log.Debug("operation completed", fields...)
}

func (r *Registry) refreshGauges() {
	r.mu.RLock()
	n := len(r.projects)
	r.mu.RUnlock()
	metrics.SetProjectsActive(n)
}

// acquire locks the active project called name. The caller must unlock e.mu.
func (r *Registry) acquire(op, name string) (*entry, error) {
	r.mu.RLock()
	e := r.projects[name]
	r.mu.RUnlock()
	if e == nil {
		return nil, newError(op, name, "", ErrNotFound, nil)
	}

	e.mu.Lock()
	r.mu.RLock()
	current := r.projects[name]
	r.mu.RUnlock()
	if e.state != StateActive || current != e {
		e.mu.Unlock()
		return nil, newError(op, name, "", ErrNotFound, nil)
	}
	return e, nil
}

// persist writes p's metadata document, refreshes its modification time from
// storage and forwards the document to the mirror.
func (r *Registry) persist(ctx context.Context, p *Project) error {
	data, err := encodeDocument(p.document())
	if err != nil {
		return err
	}
	if err := r.store.WriteMetadata(ctx, p.Handle, data); err != nil {
		return err
	}
	if times, err := r.store.StatMetadata(ctx, p.Handle); err == nil {
		p.touch(times)
	} else {
		r.log.Warn("stat metadata failed", zap.String("project", p.Name), zap.Error(err))
	}
	r.mirrorPut(ctx, p.Handle, data)
	return nil
}

// removeTree deletes key on behalf of an operation whose outcome is already
// decided, so cancellation of the request does not stop it.
func (r *Registry) removeTree(ctx context.Context, key string) error {
	return r.store.DeleteTree(context.WithoutCancel(ctx), key)
}

func (r *Registry) mirrorPut(ctx context.Context, handle string, data []byte) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.PutMetadata(ctx, handle, data); err != nil {
		r.log.Warn("mirror put failed", zap.String("handle", handle), zap.Error(err))
	}
}

func (r *Registry) mirrorDelete(ctx context.Context, handle string) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.DeleteMetadata(ctx, handle); err != nil {
		r.log.Warn("mirror delete failed", zap.String("handle", handle), zap.Error(err))
	}
}

// Load scans storage and registers every active project. Projects marked
// inactive are deleted. Unreadable or corrupt projects are logged and
// skipped, as is any project whose name is already taken.
func (r *Registry) Load(ctx context.Context) error {
	start := time.Now()
	handles, err := r.store.ListProjects(ctx)
	if err != nil {
		err = newError("load", "", "", ErrIO, err)
		r.record(ctx, "load", "", "", err)
		return err
	}

	loaded := make([]*Project, len(handles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for i, handle := range handles {
		g.Go(func() error {
			p, err := r.loadOne(gctx, handle)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return nil
			}
			loaded[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return newError("load", "", "", ErrIO, err)
	}

	projects := make(map[string]*entry, len(loaded))
	for _, p := range loaded {
		if p == nil {
			continue
		}
		if prev, ok := projects[p.Name]; ok {
			r.log.Error("duplicate project name, skipping",
				zap.String("project", p.Name),
				zap.String("handle", p.Handle),
				zap.String("kept", prev.project.Handle),
			)
			continue
		}
		projects[p.Name] = &entry{state: StateActive, project: p}
		metrics.SetTreeNodes(p.Name, tree.Count(p.Root))
	}

	r.mu.Lock()
	r.projects = projects
	r.mu.Unlock()

	r.refreshGauges()
	metrics.RecordLoad(time.Since(start))
	r.log.Info("projects loaded",
		zap.Int("active", len(projects)),
		zap.Int("scanned", len(handles)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// loadOne reads one project directory. It returns nil and no error for an
// inactive project, which it deletes.
func (r *Registry) loadOne(ctx context.Context, handle string) (*Project, error) {
	log := r.log.With(zap.String("handle", handle))

	data, times, err := r.store.ReadMetadata(ctx, handle)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("project directory has no metadata, skipping")
		} else {
			log.Error("read metadata failed, skipping", zap.Error(err))
		}
		return nil, err
	}
	p, err := decodeProject(handle, data, times)
	if err != nil {
		log.Error("corrupt metadata, skipping", zap.Error(err))
		return nil, err
	}
	if !p.Active {
		log.Debug("deleting inactive project", zap.String("project", p.Name))
		if err := r.store.DeleteTree(ctx, handle); err != nil {
			log.Error("delete inactive project failed", zap.Error(err))
			return nil, err
		}
		r.mirrorDelete(ctx, handle)
		return nil, nil
	}
	log.Debug("project loaded", zap.String("project", p.Name))
	return p, nil
}

// GetProjects returns the summaries of all active projects sorted by name.
func (r *Registry) GetProjects(ctx context.Context) []Summary {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.projects))
	for _, e := range r.projects {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	summaries := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.state == StateActive {
			summaries = append(summaries, e.project.summary())
		}
		e.mu.Unlock()
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}

// GetProject returns the project called name with a copy of its tree.
func (r *Registry) GetProject(ctx context.Context, name string) (Detail, error) {
	e, err := r.acquire("get", name)
	if err != nil {
		return Detail{}, err
	}
	defer e.mu.Unlock()
	return e.project.detail(), nil
}

// validName reports whether name can be used as a project name. The
// listing topic is reserved.
func validName(name string) bool {
	if strings.TrimSpace(name) == "" || name == events.TopicProjects {
		return false
	}
	for _, c := range name {
		if unicode.IsControl(c) {
			return false
		}
	}
	return true
}

// validLeaf reports whether s can name a file or directory.
func validLeaf(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\\x00")
}
