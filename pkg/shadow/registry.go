package shadow

import (
	"sync"
)

// Registry tracks the shadow repository of each container.
type Registry struct {
	lock  sync.Mutex
	repos map[string]*Repository
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{repos: map[string]*Repository{}}
}

// Get returns the repository for the container, if there is one.
func (reg *Registry) Get(containerID string) (*Repository, bool) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	repo, ok := reg.repos[containerID]
	return repo, ok
}

// GetOrCreate returns the repository for the container, creating it with
// `create` if there isn't one. The second return value is true if the
// repository was created.
func (reg *Registry) GetOrCreate(containerID string, create func() *Repository) (*Repository, bool) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	if repo, ok := reg.repos[containerID]; ok {
		return repo, false
	}

	repo := create()
	reg.repos[containerID] = repo
	return repo, true
}

// Remove forgets the container's repository and returns it. The caller is
// responsible for cleaning it up.
func (reg *Registry) Remove(containerID string) (*Repository, bool) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	repo, ok := reg.repos[containerID]
	delete(reg.repos, containerID)
	return repo, ok
}

// All returns every registered repository.
func (reg *Registry) All() []*Repository {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	var repos []*Repository
	for _, repo := range reg.repos {
		repos = append(repos, repo)
	}
	return repos
}
