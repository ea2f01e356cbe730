// Package gitrepo stores named versions of a session's lyric sheet, one git
// repository per session.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var ErrVersionNotFound = errors.New("version not found")

const (
	sheetFile  = "sheet.json"
	lyricsFile = "lyrics.txt"
	mainBranch = "main"
)

// Sheet is the versioned content of a session.
type Sheet struct {
	Title       string      `json:"title"`
	BPM         int         `json:"bpm"`
	Mood        []string    `json:"mood,omitempty"`
	Themes      []string    `json:"themes,omitempty"`
	RhymeScheme string      `json:"rhymeScheme,omitempty"`
	Lines       []SheetLine `json:"lines"`
}

type SheetLine struct {
	Number  int    `json:"number"`
	Section string `json:"section,omitempty"`
	Content string `json:"content"`
}

type Version struct {
	Hash      string    `json:"hash"`
	Name      string    `json:"name"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// SaveVersion commits sheet under name. The first version creates the
// repository. Saving identical content again still records a version.
func (s *Service) SaveVersion(sessionID string, sheet Sheet, name, author string) (Version, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(sessionID)
	if err != nil {
		return Version{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Version{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(sheet, "", "  ")
	if err != nil {
		return Version{}, fmt.Errorf("marshal sheet: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, sheetFile), append(payload, '\n'), 0o644); err != nil {
		return Version{}, fmt.Errorf("write %s: %w", sheetFile, err)
	}
	if err := os.WriteFile(filepath.Join(root, lyricsFile), []byte(PlainText(sheet)), 0o644); err != nil {
		return Version{}, fmt.Errorf("write %s: %w", lyricsFile, err)
	}
	for _, file := range []string{sheetFile, lyricsFile} {
		if _, err := worktree.Add(file); err != nil {
			return Version{}, fmt.Errorf("git add %s: %w", file, err)
		}
	}

	if strings.TrimSpace(name) == "" {
		name = "Snapshot " + time.Now().UTC().Format(time.RFC3339)
	}
	hash, err := worktree.Commit(name, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@writers.lyricsync.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Version{}, fmt.Errorf("commit sheet: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Version{}, fmt.Errorf("read commit object: %w", err)
	}
	return toVersion(commitObj), nil
}

// Versions lists the newest versions first. A session that was never
// versioned has none.
func (s *Service) Versions(sessionID string, limit int) ([]Version, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(sessionID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Version, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersion(commitObj))
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

// SheetAt reads the sheet as it was at hash, which may be abbreviated.
func (s *Service) SheetAt(sessionID, hash string) (Sheet, Version, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(sessionID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Sheet{}, Version{}, ErrVersionNotFound
	}
	if err != nil {
		return Sheet{}, Version{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Sheet{}, Version{}, fmt.Errorf("%w: %s", ErrVersionNotFound, hash)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Sheet{}, Version{}, fmt.Errorf("%w: %s", ErrVersionNotFound, hash)
	}

	file, err := commitObj.File(sheetFile)
	if err != nil {
		return Sheet{}, Version{}, fmt.Errorf("load %s: %w", sheetFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Sheet{}, Version{}, fmt.Errorf("read %s: %w", sheetFile, err)
	}
	var sheet Sheet
	if err := json.Unmarshal([]byte(contents), &sheet); err != nil {
		return Sheet{}, Version{}, fmt.Errorf("decode sheet: %w", err)
	}
	return sheet, toVersion(commitObj), nil
}

// Remove deletes the session's repository.
func (s *Service) Remove(sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.repoPath(sessionID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) openOrInit(sessionID string) (*git.Repository, error) {
	path := s.repoPath(sessionID)
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
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", mainBranch, err)
	}
	return repo, nil
}

func (s *Service) repoPath(sessionID string) string {
	return filepath.Join(s.baseDir, filepath.Base(sessionID))
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// PlainText renders the sheet as plain lyrics with a blank line and a
// [Section] header wherever the section changes.
func PlainText(sheet Sheet) string {
	var b strings.Builder
	section := ""
	for i, line := range sheet.Lines {
		if line.Section != "" && line.Section != section {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "[%s]\n", line.Section)
		}
		section = line.Section
		b.WriteString(line.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// LineChange describes how one line number differs between two sheets.
type LineChange struct {
	Number int    `json:"number"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// DiffLines compares two sheets line number by line number.
func DiffLines(from, to Sheet) []LineChange {
	n := len(from.Lines)
	if len(to.Lines) > n {
		n = len(to.Lines)
	}
	changes := make([]LineChange, 0)
	for i := 0; i < n; i++ {
		var before, after string
		if i < len(from.Lines) {
			before = from.Lines[i].Content
		}
		if i < len(to.Lines) {
			after = to.Lines[i].Content
		}
		if before != after {
			changes = append(changes, LineChange{Number: i + 1, Before: before, After: after})
		}
	}
	return changes
}

func toVersion(commitObj *object.Commit) Version {
	return Version{
		Hash:      commitObj.Hash.String()[:7],
		Name:      strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
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
		return "writer"
	}
	return string(out)
}
