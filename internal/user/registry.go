package user

import (
	"errors"
	"sync"

	"github.com/openclaw/core/internal/config"
)

// ErrCredentialMismatch is returned by VerifyCredential when no user's
// stored credential of the given type matches the presented secret.
var ErrCredentialMismatch = errors.New("user: no matching credential")

// Registry maintains the set of known operator accounts and provides lookup
// by identity or credential.
type Registry struct {
	users    map[string]*User  // by user ID
	identity map[string]string // "provider:value" -> user ID
	ownerID  string
	mu       sync.RWMutex
}

// NewRegistry builds a registry from config.json's users section.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		users:    make(map[string]*User),
		identity: make(map[string]string),
	}

	for id, uc := range cfg.Users {
		u := &User{
			ID:     id,
			Name:   uc.Name,
			Scopes: append([]string(nil), uc.Scopes...),
		}
		for _, idc := range uc.Identities {
			u.Identities = append(u.Identities, Identity{Provider: idc.Provider, Value: idc.Value})
			r.identity[idc.Provider+":"+idc.Value] = id
		}
		for _, cc := range uc.Credentials {
			u.Credentials = append(u.Credentials, StoredCredential{Type: cc.Type, Hash: cc.Hash, Label: cc.Label})
		}
		r.users[id] = u
	}

	r.ownerID = cfg.OwnerUserID
	if r.ownerID == "" {
		for id, u := range r.users {
			if u.HasScope(ScopeAdmin) {
				r.ownerID = id
				break
			}
		}
	}

	return r
}

// FromIdentity looks up a user by an externally-verified identity.
func (r *Registry) FromIdentity(provider, value string) *User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.identity[provider+":"+value]
	if !ok {
		return nil
	}
	return r.users[id]
}

// VerifyCredential checks secret against every registered user's stored
// credentials of credType ("token" or "password") and returns the first
// matching user.
func (r *Registry) VerifyCredential(credType, secret string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		for _, c := range u.CredentialsOfType(credType) {
			switch credType {
			case "password":
				if VerifyPassword(secret, c.Hash) {
					return u, nil
				}
			case "token":
				if VerifyToken(secret, c.Hash) {
					return u, nil
				}
			}
		}
	}
	return nil, ErrCredentialMismatch
}

// Owner returns the designated owner account, or nil if none is configured.
func (r *Registry) Owner() *User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.ownerID == "" {
		return nil
	}
	return r.users[r.ownerID]
}

// Get returns a user by ID, or nil if not found.
func (r *Registry) Get(id string) *User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[id]
}

// List returns all registered users.
func (r *Registry) List() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	return users
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
