// Package auth manages server accounts: bcrypt-hashed credentials in a JSON
// file, with a global role plus per-space read/write permissions.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/kindreddb/kindred-server/internal/models"
)

// Roles, in increasing order of capability within a space.
const (
	RoleRead  = "read"
	RoleWrite = "write"
	RoleAdmin = "admin"
)

type AuthManager struct {
	filePath string
	lock     sync.RWMutex
	users    map[string]models.User
}

func NewAuthManager(filePath string) (*AuthManager, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	manager := &AuthManager{
		filePath: filePath,
		users:    make(map[string]models.User),
	}

	if _, err := os.Stat(filePath); err == nil {
		if err := manager.load(); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

func (a *AuthManager) load() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	data, err := os.ReadFile(a.filePath)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &a.users)
}

func (a *AuthManager) save() error {
	data, err := json.MarshalIndent(a.users, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(a.filePath, data, 0600)
}

// Bootstrap creates the initial admin account when the user file is empty.
// No-op once any user exists.
func (a *AuthManager) Bootstrap(username, password string) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if len(a.users) > 0 {
		return nil
	}
	if username == "" || password == "" {
		return errors.New("admin username and password required for bootstrap")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	a.users[username] = models.User{
		Username:    username,
		Password:    string(hash),
		Role:        RoleAdmin,
		Permissions: map[string]string{},
	}
	return a.save()
}

func (a *AuthManager) Authenticate(username, password string) (models.User, error) {
	a.lock.RLock()
	user, exists := a.users[username]
	a.lock.RUnlock()
	if !exists {
		return models.User{}, errors.New("user not found")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return models.User{}, errors.New("invalid password")
	}
	return user, nil
}

// HasRole reports whether user may act with the required role on space.
// Admins pass everywhere; write permission implies read.
func (a *AuthManager) HasRole(user models.User, space string, required string) bool {
	if user.Role == RoleAdmin {
		return true
	}

	role, ok := user.Permissions[space]
	if !ok {
		return false
	}

	switch required {
	case RoleRead:
		return role == RoleRead || role == RoleWrite
	case RoleWrite:
		return role == RoleWrite
	case RoleAdmin:
		return user.Role == RoleAdmin
	}
	return false
}

func (a *AuthManager) CreateUser(username, password, role string, perms map[string]string) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if _, exists := a.users[username]; exists {
		return errors.New("user already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	a.users[username] = models.User{
		Username:    username,
		Password:    string(hash),
		Role:        role,
		Permissions: perms,
	}
	return a.save()
}

func (a *AuthManager) UpdateUserPassword(username string, password string) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	user, exists := a.users[username]
	if !exists {
		return errors.New("user not found")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user.Password = string(hash)
	a.users[username] = user
	return a.save()
}

func (a *AuthManager) DeleteUser(username string) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if _, exists := a.users[username]; !exists {
		return errors.New("user not found")
	}
	delete(a.users, username)
	return a.save()
}

func (a *AuthManager) HasUsers() bool {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return len(a.users) > 0
}

// GetUser returns the stored account without the password hash.
func (a *AuthManager) GetUser(username string) (models.User, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	u, ok := a.users[username]
	if !ok {
		return models.User{}, errors.New("not found")
	}
	u.Password = ""
	return u, nil
}
