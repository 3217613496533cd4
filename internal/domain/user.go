package domain

// UserProfile represents a user as reported by the provider.
// Used for merge request authors, closers and mergers, and for the session user.
type UserProfile struct {
	ID        int
	Username  string
	Name      string
	AvatarURL string
	WebURL    string
}

// IsZero reports whether the profile carries no identity.
func (u UserProfile) IsZero() bool {
	return u.ID == 0 && u.Username == ""
}
