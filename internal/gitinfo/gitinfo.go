// Package gitinfo inspects the repository a run operates on so the run_start
// provenance node can name the exact revision that was delivered.
package gitinfo

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrNotRepository is returned when the path is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Info describes the checked-out revision.
type Info struct {
	Commit string
	// Branch is empty for a detached HEAD.
	Branch string
	// Owner and Repo come from a GitHub origin remote; both are empty otherwise.
	Owner string
	Repo  string
}

// ArtifactRefs renders the info as provenance artifact references.
func (i Info) ArtifactRefs() []string {
	var refs []string
	if i.Commit != "" {
		refs = append(refs, "git:commit:"+i.Commit)
	}
	if i.Branch != "" {
		refs = append(refs, "git:branch:"+i.Branch)
	}
	return refs
}

// Describe opens the repository containing path (searching parent
// directories) and reads its HEAD. A repository without commits yields an
// Info with only the branch name.
func Describe(path string) (Info, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotRepository, path)
		}
		return Info{}, fmt.Errorf("opening repository: %w", err)
	}

	var info Info
	head, err := repo.Head()
	switch {
	case err == nil:
		info.Commit = head.Hash().String()
		if head.Name().IsBranch() {
			info.Branch = head.Name().Short()
		}
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// Unborn branch: HEAD is symbolic but nothing is committed yet.
		if ref, symErr := repo.Storer.Reference(plumbing.HEAD); symErr == nil && ref.Target().IsBranch() {
			info.Branch = ref.Target().Short()
		}
	default:
		return Info{}, fmt.Errorf("reading HEAD: %w", err)
	}

	if remote, err := repo.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			info.Owner, info.Repo = ParseGitHubRemote(urls[0])
		}
	}
	return info, nil
}

var githubRemote = regexp.MustCompile(`github\.com[:/]([^/]+)/([^/]+?)(?:\.git)?/?$`)

// ParseGitHubRemote extracts owner and repository from SSH or HTTPS GitHub
// remote URLs. Non-GitHub URLs yield empty strings.
func ParseGitHubRemote(url string) (owner, repo string) {
	m := githubRemote.FindStringSubmatch(url)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}
