package models

// Worktree describes one entry from `git worktree list --porcelain`
type Worktree struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
	IsMain bool   `json:"isMain"`
	IsBare bool   `json:"isBare"`
}

// RepoInfo is a repository discovered by a filesystem scan
type RepoInfo struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
}
