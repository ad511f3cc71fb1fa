package manifest

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
)

// DateLayout matches `git show --format=%ci`.
const DateLayout = "2006-01-02 15:04:05 -0700"

// Provenance identifies the source revision an artifact was built from.
type Provenance struct {
	Commit     string // abbreviated to 7 characters
	FullCommit string
	Branch     string // "HEAD" when detached
	Date       string // committer date in DateLayout
}

// ReadProvenance reads HEAD of the repository containing dir.
func ReadProvenance(dir string) (*Provenance, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s is not inside a git repository: %w", dir, err)
		}
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD commit: %w", err)
	}

	full := head.Hash().String()
	p := &Provenance{
		Commit:     full[:7],
		FullCommit: full,
		Branch:     "HEAD",
		Date:       commit.Committer.When.Format(DateLayout),
	}
	if head.Name().IsBranch() {
		p.Branch = head.Name().Short()
	}
	return p, nil
}
