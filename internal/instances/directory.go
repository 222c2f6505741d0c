// Package instances is the interface boundary to the external instance
// lifecycle manager. The gateway never creates or destroys instances; it
// only resolves an instance id to connection coordinates.
package instances

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/nimbusdb/sqlgate/pkg/crypto"
)

// ErrInstanceNotFound is returned when no instance matches the given id.
var ErrInstanceNotFound = errors.New("instance not found")

// Coords are the connection coordinates of one managed database instance.
type Coords struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	// Password is the resolved plaintext password; the directory file may
	// carry it AES-GCM encrypted instead.
	Password          string `json:"password,omitempty"`
	PasswordEncrypted string `json:"password_encrypted,omitempty"`
}

// DSN renders the coordinates as a pgx connection string.
func (c Coords) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

// Directory resolves instance ids to connection coordinates.
type Directory interface {
	Lookup(ctx context.Context, instanceID string) (*Coords, error)
}

type directoryFile struct {
	Instances map[string]Coords `json:"instances"`
}

// FileDirectory reads coordinates from a JSON file maintained by the
// instance lifecycle manager. Encrypted passwords are decrypted on lookup
// with the gateway's encryption key.
type FileDirectory struct {
	path          string
	encryptionKey string

	mu    sync.RWMutex
	cache map[string]Coords
}

// NewFileDirectory loads the directory file. A missing file is not an error;
// it just resolves nothing until the file appears and a lookup re-reads it.
func NewFileDirectory(path, encryptionKey string) (*FileDirectory, error) {
	d := &FileDirectory{
		path:          path,
		encryptionKey: encryptionKey,
		cache:         map[string]Coords{},
	}
	if err := d.Reload(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Warn().Str("path", path).Msg("Instance directory file not found, starting empty")
	}
	return d, nil
}

// Reload re-reads the directory file.
func (d *FileDirectory) Reload() error {
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return err
	}
	var file directoryFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse instance directory: %w", err)
	}

	d.mu.Lock()
	d.cache = file.Instances
	d.mu.Unlock()

	log.Info().Int("count", len(file.Instances)).Msg("Instance directory loaded")
	return nil
}

func (d *FileDirectory) get(instanceID string) (Coords, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	coords, ok := d.cache[instanceID]
	return coords, ok
}

// Lookup resolves an instance id. On a miss the directory file is re-read
// first: the lifecycle manager may have added the instance since the last
// load, and a restart should not be needed to see it.
func (d *FileDirectory) Lookup(_ context.Context, instanceID string) (*Coords, error) {
	coords, ok := d.get(instanceID)
	if !ok {
		if err := d.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if coords, ok = d.get(instanceID); !ok {
			return nil, ErrInstanceNotFound
		}
	}

	if coords.Password == "" && coords.PasswordEncrypted != "" {
		decrypted, err := crypto.Decrypt(d.encryptionKey, coords.PasswordEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt instance password: %w", err)
		}
		coords.Password = decrypted
	}
	coords.PasswordEncrypted = ""
	return &coords, nil
}

// Static is a fixed in-memory directory, used in tests.
type Static map[string]Coords

func (s Static) Lookup(_ context.Context, instanceID string) (*Coords, error) {
	coords, ok := s[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return &coords, nil
}
