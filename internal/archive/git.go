package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"coedit/api/internal/store"
	"coedit/api/internal/util"
)

const (
	contentFile    = "content.txt"
	sessionFile    = "session.json"
	sessionTrailer = "Session-Id: "
)

type Revision struct {
	Hash      string    `json:"hash"`
	SessionID string    `json:"sessionId"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// GitArchive keeps one repository per document under baseDir. Every closed
// session becomes one commit on main holding the final text.
type GitArchive struct {
	baseDir string
	locks   *util.KeyedMutex
}

func NewGitArchive(baseDir string) *GitArchive {
	return &GitArchive{
		baseDir: baseDir,
		locks:   util.NewKeyedMutex(),
	}
}

func (g *GitArchive) Archive(_ context.Context, session store.Session, ops []store.Operation) error {
	unlock := g.locks.Lock(session.DocumentID)
	defer unlock()

	repo, err := g.openOrInit(session.DocumentID)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	if err := os.WriteFile(filepath.Join(root, contentFile), []byte(session.Buffer), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", contentFile, err)
	}
	record := NewRecord(session, nil)
	meta, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(root, sessionFile), meta, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", sessionFile, err)
	}
	for _, name := range []string{contentFile, sessionFile} {
		if _, err := worktree.Add(name); err != nil {
			return fmt.Errorf("git add %s: %w", name, err)
		}
	}

	when := time.Now()
	if session.ClosedAt != nil {
		when = *session.ClosedAt
	}
	message := fmt.Sprintf("Close session at version %d (%d operations)\n\n%s%s",
		session.Version, len(ops), sessionTrailer, session.ID)
	_, err = worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  session.CreatedBy,
			Email: fmt.Sprintf("%s@coedit.local", sanitizeEmail(session.CreatedBy)),
			When:  when,
		},
	})
	if err != nil {
		return fmt.Errorf("commit session %s: %w", session.ID, err)
	}
	return nil
}

// History lists archived revisions of a document, newest first. A document
// without archived sessions has an empty history.
func (g *GitArchive) History(documentID string, limit int) ([]Revision, error) {
	unlock := g.locks.Lock(documentID)
	defer unlock()

	path, err := g.repoPath(documentID)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(c *object.Commit) error {
		items = append(items, toRevision(c))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt returns the text archived by the given revision.
func (g *GitArchive) ContentAt(documentID, hash string) (string, error) {
	unlock := g.locks.Lock(documentID)
	defer unlock()

	path, err := g.repoPath(documentID)
	if err != nil {
		return "", err
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return "", fmt.Errorf("resolve revision %s: %w", hash, err)
	}
	commit, err := repo.CommitObject(*resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commit.File(contentFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	return file.Contents()
}

func (g *GitArchive) openOrInit(documentID string) (*git.Repository, error) {
	path, err := g.repoPath(documentID)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

// repoPath keeps every repository directly under baseDir.
func (g *GitArchive) repoPath(documentID string) (string, error) {
	if documentID == "" || documentID == "." || documentID == ".." || strings.ContainsAny(documentID, `/\`) {
		return "", fmt.Errorf("invalid document id %q", documentID)
	}
	return filepath.Join(g.baseDir, documentID), nil
}

func toRevision(c *object.Commit) Revision {
	rev := Revision{
		Hash:      c.Hash.String()[:7],
		Message:   strings.SplitN(c.Message, "\n", 2)[0],
		Author:    c.Author.Name,
		CreatedAt: c.Author.When,
	}
	for _, line := range strings.Split(c.Message, "\n") {
		if strings.HasPrefix(line, sessionTrailer) {
			rev.SessionID = strings.TrimSpace(strings.TrimPrefix(line, sessionTrailer))
		}
	}
	return rev
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
