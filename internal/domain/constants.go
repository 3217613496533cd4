package domain

// Platform constants
const (
	// PlatformGitLab represents the GitLab VCS/CI provider
	PlatformGitLab = "gitlab"
)
