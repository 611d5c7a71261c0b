package conf

import (
	"os"
	"path/filepath"
)

// Paths is the on-disk layout shared with the send utility and the admin
// CLI. Everything lives under one data directory so a sibling process can
// find the same files without talking to this one.
type Paths struct {
	DataDir string
}

// ResolvePaths picks the data directory from LARK_DATA_DIR, falling back to
// ~/.lark-router.
func ResolvePaths() Paths {
	dir := os.Getenv("LARK_DATA_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".lark-router")
	}
	return Paths{DataDir: dir}
}

func (p Paths) Config() string        { return filepath.Join(p.DataDir, "config.json") }
func (p Paths) Cursors() string       { return filepath.Join(p.DataDir, "group-cursors.json") }
func (p Paths) NameCache() string     { return filepath.Join(p.DataDir, "user-cache.json") }
func (p Paths) TypingDir() string     { return filepath.Join(p.DataDir, "typing") }
func (p Paths) LogDir() string        { return filepath.Join(p.DataDir, "logs") }
func (p Paths) MediaDir() string      { return filepath.Join(p.DataDir, "media") }
func (p Paths) InternalToken() string { return filepath.Join(p.DataDir, ".internal-token") }
func (p Paths) Templates() string     { return filepath.Join(p.DataDir, "templates.yaml") }

// Ensure creates the directories the router writes into.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.DataDir, p.TypingDir(), p.LogDir(), p.MediaDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
