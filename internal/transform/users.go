// internal/transform/users.go
package transform

import (
	"github-mirror/internal/gh"
	"github-mirror/internal/model"
)

// UserCollector is an in-memory identity map keyed by external user id. It
// is scoped to a single chunk invocation: transforms register every embedded
// account reference they see, and the runner flushes the unique set once
// after its page loop. No cross-invocation state is needed because the user
// upsert itself is idempotent.
type UserCollector struct {
	seen  map[int64]model.User
	order []int64
}

func NewUserCollector() *UserCollector {
	return &UserCollector{seen: make(map[int64]model.User)}
}

// Collect registers an account reference and returns its external id, or
// nil when the reference is absent or an empty placeholder.
func (c *UserCollector) Collect(a *gh.Account) *int64 {
	if !a.Valid() {
		return nil
	}
	if _, ok := c.seen[a.ID]; !ok {
		c.seen[a.ID] = model.User{
			GithubUserID: a.ID,
			Login:        a.Login,
			AvatarURL:    a.AvatarURL,
			Type:         a.Type,
		}
		c.order = append(c.order, a.ID)
	}
	id := a.ID
	return &id
}

// Flush returns the unique users in first-seen order. The collector is
// meant to be discarded afterwards.
func (c *UserCollector) Flush() []model.User {
	users := make([]model.User, 0, len(c.order))
	for _, id := range c.order {
		users = append(users, c.seen[id])
	}
	return users
}
