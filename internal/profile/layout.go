// Package profile picks the profile a daemon serves and lays out the files
// that belong to it.
package profile

import (
	"os"
	"path/filepath"
)

// HomeEnv relocates the omnichat home; tests point it at a temp dir.
const HomeEnv = "OMNICHAT_HOME"

// Home returns $OMNICHAT_HOME, or ~/.omnichat.
func Home() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".omnichat")
}

// ConfigPath returns the config file shared by every profile.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// Layout is where one profile keeps its state:
//
//	<home>/profiles/<name>/
//	    LOCK          held by the running daemon
//	    omnid.sock    control socket
//	    omni.db       sessions, roster snapshot, message cache, outbox
//	    session.key   age identity sealing stored sessions
//	    logs/omnid.log
type Layout struct {
	Name string
	Dir  string
}

// For validates name and returns its layout under the current home.
func For(name string) (Layout, error) {
	if err := ValidateName(name); err != nil {
		return Layout{}, err
	}
	return Layout{Name: name, Dir: filepath.Join(Home(), "profiles", name)}, nil
}

func (l Layout) Socket() string  { return filepath.Join(l.Dir, "omnid.sock") }
func (l Layout) DB() string      { return filepath.Join(l.Dir, "omni.db") }
func (l Layout) Key() string     { return filepath.Join(l.Dir, "session.key") }
func (l Layout) LogDir() string  { return filepath.Join(l.Dir, "logs") }
func (l Layout) LogFile() string { return filepath.Join(l.LogDir(), "omnid.log") }

// Ensure creates the profile directories owner-only. Directories that
// already exist with wider permissions are tightened, since the key and
// the database live there.
func (l Layout) Ensure() error {
	for _, d := range []string{l.Dir, l.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
		if err := os.Chmod(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
