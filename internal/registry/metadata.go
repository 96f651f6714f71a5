package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fruitsalade/projectd/internal/storage"
	"github.com/fruitsalade/projectd/internal/tree"
)

// document is the on-disk form of metadata.json.
type document struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Active      bool       `json:"active"`
	Status      int        `json:"status"`
	Errors      int        `json:"errors"`
	Files       tree.Files `json:"files"`
}

// Project is a registered project.
type Project struct {
	Name         string
	Description  string
	CreatedTime  time.Time
	ModifiedTime time.Time
	Active       bool
	Status       int
	ErrorCount   int
	Handle       string
	Root         *tree.Node
}

// Summary is the listing view of a project.
type Summary struct {
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	CreatedTime  time.Time `json:"createdTime"`
	ModifiedTime time.Time `json:"modifiedTime"`
	Status       int       `json:"status"`
	Errors       int       `json:"errors"`
}

// Detail is a project with a private copy of its file tree.
type Detail struct {
	Summary
	Files tree.Files `json:"files"`
}

func (p *Project) summary() Summary {
	return Summary{
		Name:         p.Name,
		Description:  p.Description,
		CreatedTime:  p.CreatedTime,
		ModifiedTime: p.ModifiedTime,
		Status:       p.Status,
		Errors:       p.ErrorCount,
	}
}

func (p *Project) detail() Detail {
	return Detail{
		Summary: p.summary(),
		Files:   tree.FilesOf(tree.Clone(p.Root)),
	}
}

func (p *Project) document() document {
	return document{
		Name:        p.Name,
		Description: p.Description,
		Active:      p.Active,
		Status:      p.Status,
		Errors:      p.ErrorCount,
		Files:       tree.FilesOf(p.Root),
	}
}

// touch records a rewrite of the metadata document. The creation time is
// only taken from storage the first time.
func (p *Project) touch(t storage.Times) {
	if p.CreatedTime.IsZero() {
		p.CreatedTime = t.Created
	}
	p.ModifiedTime = t.Modified
}

func encodeDocument(doc document) ([]byte, error) {
	return json.Marshal(doc)
}

// decodeProject parses a metadata document and checks its tree.
func decodeProject(handle string, data []byte, times storage.Times) (*Project, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", storage.MetadataKey(handle), err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("%s has no project name", storage.MetadataKey(handle))
	}
	root, err := tree.RootFromFiles(doc.Files)
	if err != nil {
		return nil, err
	}
	return &Project{
		Name:         doc.Name,
		Description:  doc.Description,
		CreatedTime:  times.Created,
		ModifiedTime: times.Modified,
		Active:       doc.Active,
		Status:       doc.Status,
		ErrorCount:   doc.Errors,
		Handle:       handle,
		Root:         root,
	}, nil
}
