package settings

import (
	"os"
	"path/filepath"

	"github.com/huandu/go-clone"
)

type StorageSettings struct {
	// Database is the path of the SQLite session database.
	Database string `yaml:"database,omitempty"`
	// Persist controls whether chat turns are written to the database.
	Persist bool `yaml:"persist"`
}

func NewStorageSettings() *StorageSettings {
	return &StorageSettings{
		Database: DefaultDatabasePath(),
		Persist:  true,
	}
}

func (s *StorageSettings) Clone() *StorageSettings {
	return clone.Clone(s).(*StorageSettings)
}

// DefaultDatabasePath returns ~/.palaver/sessions.db, or a relative path if
// the home directory cannot be determined.
func DefaultDatabasePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".palaver", "sessions.db")
}
