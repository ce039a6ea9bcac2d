package store

import "sort"

// User is a cached account user, used to resolve author and member ids.
type User struct {
	ID        string
	Name      string
	Email     string
	AvatarURL string
}

// SetUsers replaces the cached account user list.
func (s *Store) SetUsers(users []User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]User, len(users))
	for _, u := range users {
		s.users[u.ID] = u
	}
}

// User returns a cached user by id.
func (s *Store) User(id string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

// Users returns all cached users ordered by name.
func (s *Store) Users() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
