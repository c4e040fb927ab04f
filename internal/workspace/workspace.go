// Package workspace gives each job an exclusive directory for its artifacts,
// versioned with an embedded git repository.
package workspace

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/zeebo/blake3"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/log"
)

// MarkerFile records which job owns a workspace directory
const MarkerFile = ".foundry-job"

// Manager creates workspaces under a root directory
type Manager struct {
	root   string
	git    bool
	author object.Signature
	logger *log.Logger
	now    func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithGit enables or disables the per-workspace repository
func WithGit(enabled bool) Option {
	return func(m *Manager) { m.git = enabled }
}

// WithAuthor sets the commit author
func WithAuthor(name, email string) Option {
	return func(m *Manager) { m.author = object.Signature{Name: name, Email: email} }
}

// WithLogger sets the logger
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the commit timestamp source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager for root
func NewManager(root string, opts ...Option) *Manager {
	m := &Manager{
		root:   root,
		git:    true,
		author: object.Signature{Name: "foundry", Email: "foundry@localhost"},
		logger: log.L(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root is the directory workspaces are created in
func (m *Manager) Root() string {
	return m.root
}

// Create claims path for jobID. The marker file is created exclusively, so two jobs
// can never share a directory; claiming a directory jobID already owns reopens it.
func (m *Manager) Create(ctx context.Context, jobID, path string) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.confine(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeWorkspacePath, "create workspace directory", err)
	}

	marker := filepath.Join(path, MarkerFile)
	f, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	switch {
	case err == nil:
		_, werr := f.WriteString(jobID + "\n")
		cerr := f.Close()
		if werr != nil || cerr != nil {
			return nil, errors.Wrap(errors.ErrCodeWorkspacePath, "write workspace marker", stderrors.Join(werr, cerr))
		}
	case stderrors.Is(err, fs.ErrExist):
		owner, rerr := os.ReadFile(marker)
		if rerr != nil {
			return nil, errors.Wrap(errors.ErrCodeWorkspacePath, "read workspace marker", rerr)
		}
		if o := strings.TrimSpace(string(owner)); o != jobID {
			return nil, errors.NewWorkspaceConflict(path, o)
		}
	default:
		return nil, errors.Wrap(errors.ErrCodeWorkspacePath, "create workspace marker", err)
	}

	w := &Workspace{JobID: jobID, Path: path, manager: m}
	if m.git {
		repo, err := openOrInit(path)
		if err != nil {
			return nil, err
		}
		w.repo = repo
	}

	m.logger.ForJob(jobID).Debug("workspace ready", "path", path, "git", m.git)
	return w, nil
}

// confine rejects workspace paths outside the root
func (m *Manager) confine(path string) error {
	root, err := filepath.Abs(m.root)
	if err != nil {
		return errors.Wrap(errors.ErrCodeWorkspacePath, "resolve workspace root", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(errors.ErrCodeWorkspacePath, "resolve workspace path", err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.Newf(errors.ErrCodeWorkspacePath, "workspace %s is not inside %s", path, m.root)
	}
	return nil
}

func openOrInit(path string) (*git.Repository, error) {
	repo, err := git.PlainInit(path, false)
	if stderrors.Is(err, git.ErrRepositoryAlreadyExists) {
		repo, err = git.PlainOpen(path)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeWorkspacePath, "initialise workspace repository", err)
	}

	ignore := filepath.Join(path, ".gitignore")
	if _, err := os.Stat(ignore); stderrors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte(MarkerFile+"\n"), 0o644); err != nil {
			return nil, errors.Wrap(errors.ErrCodeWorkspacePath, "write .gitignore", err)
		}
	}
	return repo, nil
}

// ArtifactInfo describes a stored file
type ArtifactInfo struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// Workspace is one job's directory. Methods are safe for concurrent use.
type Workspace struct {
	JobID string
	Path  string

	manager *Manager
	repo    *git.Repository
	mu      sync.Mutex
}

// WriteArtifact stores content at rel, creating directories as needed
func (w *Workspace) WriteArtifact(rel string, content []byte) (ArtifactInfo, error) {
	full, clean, err := w.resolve(rel)
	if err != nil {
		return ArtifactInfo{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return ArtifactInfo{}, errors.Wrap(errors.ErrCodeWorkspacePath, "create artifact directory", err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return ArtifactInfo{}, errors.Wrap(errors.ErrCodeWorkspacePath, "write artifact", err)
	}
	return ArtifactInfo{Path: clean, Size: int64(len(content)), Digest: Digest(content)}, nil
}

// ReadArtifact returns the content stored at rel
func (w *Workspace) ReadArtifact(rel string) ([]byte, error) {
	full, _, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeWorkspacePath, "read artifact", err)
	}
	return data, nil
}

// Artifacts lists every stored file in path order, excluding repository metadata
func (w *Workspace) Artifacts() ([]ArtifactInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []ArtifactInfo
	err := filepath.WalkDir(w.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(w.Path, p)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == MarkerFile || rel == ".gitignore" {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out = append(out, ArtifactInfo{Path: rel, Size: int64(len(data)), Digest: Digest(data)})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeWorkspacePath, "list artifacts", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Commit records all changes in the workspace repository and returns the commit
// hash. It returns "" when git is disabled or nothing changed.
func (w *Workspace) Commit(message string) (string, error) {
	if w.repo == nil {
		return "", nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	wt, err := w.repo.Worktree()
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeWorkspacePath, "open worktree", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", errors.Wrap(errors.ErrCodeWorkspacePath, "stage changes", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeWorkspacePath, "workspace status", err)
	}
	if status.IsClean() {
		return "", nil
	}

	author := w.manager.author
	author.When = w.manager.now()
	hash, err := wt.Commit(message, &git.CommitOptions{Author: &author})
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeWorkspacePath, "commit workspace", err)
	}
	return hash.String(), nil
}

// resolve maps a relative artifact path into the workspace, rejecting anything
// that would land outside it or in repository metadata
func (w *Workspace) resolve(rel string) (full, clean string, err error) {
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", "", errors.Newf(errors.ErrCodeWorkspacePath, "artifact path %q must be relative", rel)
	}
	clean = filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "", errors.Newf(errors.ErrCodeWorkspacePath, "artifact path %q escapes the workspace", rel)
	}
	if clean == MarkerFile || clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return "", "", errors.Newf(errors.ErrCodeWorkspacePath, "artifact path %q is reserved", rel)
	}
	return filepath.Join(w.Path, filepath.FromSlash(clean)), clean, nil
}

// Digest is the hex blake3 hash of content
func Digest(content []byte) string {
	sum := blake3.Sum256(content)
	return fmt.Sprintf("%x", sum[:])
}
