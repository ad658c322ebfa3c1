package workspace

import "time"

// Workspace is a user's isolated project environment, backed by at most
// one container at a time.
type Workspace struct {
	// ID is the opaque workspace identifier. It doubles as the container name.
	ID string `json:"id"`

	// Owner is the user identity allowed to operate on the workspace.
	Owner string `json:"owner"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Template is the template kind the project was scaffolded from.
	Template string `json:"template"`

	// RepoURL is the remote repository the workspace saves to and resumes
	// from. Empty when the workspace has no remote.
	RepoURL string `json:"repoUrl,omitempty"`

	// Branch is the remote branch; empty means the default branch.
	Branch string `json:"branch,omitempty"`

	// ContainerID is the last known container reference. It goes stale
	// after recreation and is always re-resolved before use.
	ContainerID string `json:"containerId,omitempty"`

	// SavedAt is when the workspace was last pushed to its remote.
	SavedAt *time.Time `json:"savedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasRemote reports whether the workspace can be restored from a remote.
func (w *Workspace) HasRemote() bool {
	return w.RepoURL != ""
}
