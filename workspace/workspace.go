// Package workspace manages the working copy of the target repository:
// clone, branch, file mutation, commit, and pre-modification snapshots.
// One mutex serializes individual operations; the modification lock
// (Lock/Unlock) serializes whole branch-write-commit sequences so only
// one modifier operates at a time.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WriteMode selects how WriteFile applies content.
type WriteMode string

const (
	// ModeReplace overwrites the file with the new content.
	ModeReplace WriteMode = "replace"

	// ModeInsert appends the content plus a trailing newline to any
	// existing file content.
	ModeInsert WriteMode = "insert"
)

// DefaultMaxSnapshots bounds the snapshot ring.
const DefaultMaxSnapshots = 5

// allowedProtocols defines the git URL protocols permitted for cloning.
var allowedProtocols = map[string]bool{
	"https": true,
	"git":   true,
	"ssh":   true,
}

// validateGitURL validates that a git URL uses an allowed protocol.
func validateGitURL(rawURL string) error {
	// SSH shorthand (git@host:owner/repo.git)
	if strings.HasPrefix(rawURL, "git@") {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !allowedProtocols[scheme] {
		return fmt.Errorf("protocol %q not allowed; must be https, git, or ssh", scheme)
	}
	return nil
}

// validateRelPath rejects absolute paths and traversal out of the tree.
func validateRelPath(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative to the repository root")
	}
	// Even if Clean resolves it, reject paths with .. outright.
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed")
	}
	return nil
}

// Config parameterizes a workspace.
type Config struct {
	// RepoURL is the remote to clone. Empty means Dir must already be a
	// git repository (local development mode).
	RepoURL string

	// Dir is the working directory on disk.
	Dir string

	// SnapshotFiles is the file-set captured by Snapshot, relative to Dir.
	// Empty means snapshot every tracked file reported by git.
	SnapshotFiles []string

	// MaxSnapshots bounds the snapshot ring; oldest entries are evicted.
	MaxSnapshots int
}

// SnapshotInfo describes one held snapshot.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Files     int       `json:"files"`
}

// snapshot holds a deep copy of the captured file-set. A nil entry marks a
// file that did not exist at capture time, so Restore can remove it.
type snapshot struct {
	id        string
	name      string
	createdAt time.Time
	files     map[string][]byte
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workspace) { w.logger = l }
}

// Workspace is the process-wide working copy. Every operation takes mu;
// a task performing a multi-step git sequence additionally holds seq via
// Lock/Unlock so concurrent tasks cannot interleave their sequences.
type Workspace struct {
	mu        sync.Mutex
	seq       sync.Mutex
	cfg       Config
	snapshots []*snapshot
	logger    *slog.Logger
}

// New creates a workspace over cfg.Dir.
func New(cfg Config, opts ...Option) (*Workspace, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("workspace dir is required")
	}
	if cfg.RepoURL != "" {
		if err := validateGitURL(cfg.RepoURL); err != nil {
			return nil, fmt.Errorf("repo URL: %w", err)
		}
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = DefaultMaxSnapshots
	}

	w := &Workspace{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir returns the working directory path.
func (w *Workspace) Dir() string {
	return w.cfg.Dir
}

// Lock acquires the modification lock. A caller about to run a
// snapshot-branch-write-commit sequence holds it for the whole sequence;
// git has one HEAD, so interleaved sequences would land one task's
// commit on another task's branch.
func (w *Workspace) Lock() {
	w.seq.Lock()
}

// Unlock releases the modification lock.
func (w *Workspace) Unlock() {
	w.seq.Unlock()
}

// Ensure makes the working copy available: a no-op when Dir is already a
// git repository, otherwise a clone of the configured remote. Idempotent.
func (w *Workspace) Ensure(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isGitRepo() {
		return nil
	}

	if w.cfg.RepoURL == "" {
		return fmt.Errorf("%s is not a git repository and no repo URL is configured", w.cfg.Dir)
	}

	if err := os.MkdirAll(filepath.Dir(w.cfg.Dir), 0o755); err != nil {
		return fmt.Errorf("create workspace parent: %w", err)
	}

	w.logger.Info("Cloning repository", "url", w.cfg.RepoURL, "dir", w.cfg.Dir)
	cmd := exec.CommandContext(ctx, "git", "clone", w.cfg.RepoURL, w.cfg.Dir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("clone failed: %w: %s", err, string(output))
	}
	return nil
}

// NewBranchName derives the task's branch name. Uniqueness comes from the
// millisecond timestamp; the short id keeps it readable.
func NewBranchName(taskID string) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("feedback-%s-%d", short, time.Now().UnixMilli())
}

// CheckoutNewBranch creates and switches to a new branch.
func (w *Workspace) CheckoutNewBranch(ctx context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if name == "" {
		return fmt.Errorf("branch name is required")
	}
	if !w.isGitRepo() {
		return fmt.Errorf("%s is not a git repository", w.cfg.Dir)
	}

	if _, err := w.runGit(ctx, "checkout", "-b", name); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// WriteFile applies content to a file under the working tree. ModeReplace
// overwrites; ModeInsert appends content plus a newline. Parent
// directories are created as needed.
func (w *Workspace) WriteFile(path, content string, mode WriteMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := validateRelPath(path); err != nil {
		return err
	}

	full := filepath.Join(w.cfg.Dir, filepath.Clean(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	switch mode {
	case ModeReplace, "":
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	case ModeInsert:
		existing, err := os.ReadFile(full)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		combined := append(existing, []byte(content)...)
		combined = append(combined, '\n')
		if err := os.WriteFile(full, combined, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unknown write mode %q", mode)
	}
	return nil
}

// Commit stages everything and commits, returning the full commit hash.
func (w *Workspace) Commit(ctx context.Context, message string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if message == "" {
		return "", fmt.Errorf("commit message is required")
	}
	if !w.isGitRepo() {
		return "", fmt.Errorf("%s is not a git repository", w.cfg.Dir)
	}

	if _, err := w.runGit(ctx, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}

	status, _ := w.runGit(ctx, "diff", "--cached", "--name-only")
	if strings.TrimSpace(status) == "" {
		return "", fmt.Errorf("nothing to commit (no staged changes)")
	}

	if _, err := w.runGit(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit failed: %w", err)
	}

	hash, err := w.runGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return strings.TrimSpace(hash), nil
}

// Snapshot deep-copies the configured file-set into the snapshot ring and
// returns the snapshot id. The oldest snapshot is evicted when the ring is
// full.
func (w *Workspace) Snapshot(name string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := w.cfg.SnapshotFiles
	if len(paths) == 0 {
		tracked, err := w.trackedFiles()
		if err != nil {
			return "", fmt.Errorf("list tracked files: %w", err)
		}
		paths = tracked
	}

	snap := &snapshot{
		id:        uuid.NewString(),
		name:      name,
		createdAt: time.Now(),
		files:     make(map[string][]byte, len(paths)),
	}
	for _, rel := range paths {
		if err := validateRelPath(rel); err != nil {
			return "", fmt.Errorf("snapshot path %s: %w", rel, err)
		}
		data, err := os.ReadFile(filepath.Join(w.cfg.Dir, rel))
		if os.IsNotExist(err) {
			snap.files[rel] = nil
			continue
		}
		if err != nil {
			return "", fmt.Errorf("snapshot %s: %w", rel, err)
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		snap.files[rel] = cp
	}

	w.snapshots = append(w.snapshots, snap)
	if len(w.snapshots) > w.cfg.MaxSnapshots {
		w.snapshots = w.snapshots[1:]
	}

	w.logger.Debug("Snapshot taken", "id", snap.id, "name", name, "files", len(snap.files))
	return snap.id, nil
}

// Restore writes every file of the snapshot back byte-for-byte. Files that
// did not exist at capture time are removed. Restore waits for any
// in-flight modification sequence before touching the tree.
func (w *Workspace) Restore(id string) error {
	w.seq.Lock()
	defer w.seq.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	var snap *snapshot
	for _, s := range w.snapshots {
		if s.id == id {
			snap = s
			break
		}
	}
	if snap == nil {
		return fmt.Errorf("snapshot %s not found", id)
	}

	for rel, data := range snap.files {
		full := filepath.Join(w.cfg.Dir, rel)
		if data == nil {
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("restore remove %s: %w", rel, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
	}

	w.logger.Debug("Snapshot restored", "id", id, "files", len(snap.files))
	return nil
}

// LatestSnapshotID returns the most recent snapshot id, or "" when none is
// held.
func (w *Workspace) LatestSnapshotID() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.snapshots) == 0 {
		return ""
	}
	return w.snapshots[len(w.snapshots)-1].id
}

// ListSnapshots returns the held snapshots, oldest first.
func (w *Workspace) ListSnapshots() []SnapshotInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	infos := make([]SnapshotInfo, len(w.snapshots))
	for i, s := range w.snapshots {
		infos[i] = SnapshotInfo{
			ID:        s.id,
			Name:      s.name,
			CreatedAt: s.createdAt,
			Files:     len(s.files),
		}
	}
	return infos
}

// ReadFile returns the current content of a file in the working tree.
func (w *Workspace) ReadFile(path string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := validateRelPath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(w.cfg.Dir, filepath.Clean(path)))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// trackedFiles lists the files git knows about, relative to Dir.
// Caller holds the mutex.
func (w *Workspace) trackedFiles() ([]string, error) {
	output, err := w.runGit(context.Background(), "ls-files")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// runGit executes a git command in the working directory. Caller holds the
// mutex.
func (w *Workspace) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = w.cfg.Dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, string(output))
	}
	return string(output), nil
}

// isGitRepo checks whether Dir is inside a git repository. Caller holds
// the mutex.
func (w *Workspace) isGitRepo() bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = w.cfg.Dir
	return cmd.Run() == nil
}
