// Package static implements the owner authenticators on a fixed set of users
// whose passwords are bcrypt hashes, as found in an htpasswd file.
package static

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/owner"
)

// dummyHash is compared against for unknown usernames so both paths cost one bcrypt comparison
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("unknown-user"), bcrypt.DefaultCost)
	return h
})

type entry struct {
	user owner.User
	hash []byte
}

// Directory is an in-memory user directory
type Directory struct {
	mu    sync.RWMutex
	users map[string]entry
}

var (
	_ owner.PasswordAuthenticator = (*Directory)(nil)
	_ owner.RequestAuthenticator  = (*Directory)(nil)
)

// New returns an empty directory
func New() *Directory {
	return &Directory{users: make(map[string]entry)}
}

// Add registers a user with an already hashed bcrypt password.
// An empty user.ID defaults to the username.
func (d *Directory) Add(user owner.User, bcryptHash string) error {
	if user.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if _, err := bcrypt.Cost([]byte(bcryptHash)); err != nil {
		return fmt.Errorf("user %s: invalid bcrypt hash: %w", user.Username, err)
	}
	if user.ID == "" {
		user.ID = user.Username
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[user.Username] = entry{user: user, hash: []byte(bcryptHash)}
	return nil
}

// AddPassword hashes password and registers the user
func (d *Directory) AddPassword(user owner.User, password string, cost int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return d.Add(user, string(hash))
}

// HTPasswdLine returns a "username:bcrypt-hash" line that LoadHTPasswd accepts
func HTPasswdLine(username, password string, cost int) (string, error) {
	if username == "" || strings.Contains(username, ":") {
		return "", fmt.Errorf("invalid username %q", username)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return username + ":" + string(hash), nil
}

// Len returns the number of users
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// AuthenticatePassword verifies username and password
func (d *Directory) AuthenticatePassword(_ context.Context, username, password string) (*owner.User, error) {
	d.mu.RLock()
	e, ok := d.users[username]
	d.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return nil, owner.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(e.hash, []byte(password)); err != nil {
		return nil, owner.ErrInvalidCredentials
	}
	u := e.user
	return &u, nil
}

// AuthenticateRequest authenticates the request's HTTP Basic credentials.
// Requests without credentials yield (nil, nil).
func (d *Directory) AuthenticateRequest(r *http.Request) (*owner.User, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}
	u, err := d.AuthenticatePassword(r.Context(), username, password)
	if err != nil {
		// wrong credentials: ask again
		return nil, nil
	}
	return u, nil
}

// LoadHTPasswd reads "username:bcrypt-hash" lines. Blank lines and lines
// starting with # are ignored.
func LoadHTPasswd(r io.Reader) (*Directory, error) {
	d := New()
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		username, hash, ok := strings.Cut(text, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: expected username:hash", line)
		}
		if err := d.Add(owner.User{Username: username}, hash); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read htpasswd: %w", err)
	}
	return d, nil
}

// LoadHTPasswdFile reads an htpasswd file from disk
func LoadHTPasswdFile(path string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open htpasswd: %w", err)
	}
	defer f.Close()
	return LoadHTPasswd(f)
}
