// Package provision creates scoped temporary directories for instance data.
//
// Every directory is owned by the Provisioner that created it and removed by
// Provisioner.Cleanup when the owning instance closes. Each directory is also
// recorded in a process-wide registry so CleanupAtExit can sweep whatever an
// instance failed to remove; Go has no delete-on-exit hook, so hosts call it
// from main or TestMain.
package provision

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/marmos91/embeddedbroker/internal/logger"
)

// DirPrefix is prepended to every scoped directory name.
const DirPrefix = "embeddedbroker-"

// Provisioner creates and tracks scoped directories. It is safe for concurrent use.
type Provisioner struct {
	fs      afero.Fs
	baseDir string

	mu   sync.Mutex
	dirs []string
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithFs sets the filesystem (defaults to the OS filesystem).
func WithFs(fs afero.Fs) Option {
	return func(p *Provisioner) { p.fs = fs }
}

// WithBaseDir sets the parent directory (defaults to os.TempDir()).
func WithBaseDir(dir string) Option {
	return func(p *Provisioner) { p.baseDir = dir }
}

// New creates a Provisioner.
func New(opts ...Option) *Provisioner {
	p := &Provisioner{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(p)
	}
	if p.baseDir == "" {
		p.baseDir = os.TempDir()
	}
	return p
}

// NewScopedDirectory creates a fresh, empty, uniquely named directory.
// purpose becomes part of the name, e.g. "embeddedbroker-ledger-123456".
func (p *Provisioner) NewScopedDirectory(purpose string) (string, error) {
	dir, err := afero.TempDir(p.fs, p.baseDir, DirPrefix+purpose+"-")
	if err != nil {
		return "", fmt.Errorf("create %s directory: %w", purpose, err)
	}

	p.mu.Lock()
	p.dirs = append(p.dirs, dir)
	p.mu.Unlock()

	exitRegistry.add(p.fs, dir)
	logger.Debug("Provisioned scoped directory", logger.KeyDir, dir, "purpose", purpose)
	return dir, nil
}

// Dirs returns the directories created by this provisioner that have not
// been cleaned up yet.
func (p *Provisioner) Dirs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.dirs...)
}

// Cleanup removes every directory created by this provisioner. Removal is
// best-effort: all directories are attempted and failures are joined.
// Directories that failed to be removed stay registered for CleanupAtExit.
func (p *Provisioner) Cleanup() error {
	p.mu.Lock()
	dirs := p.dirs
	p.dirs = nil
	p.mu.Unlock()

	var errs []error
	for _, dir := range dirs {
		if err := p.fs.RemoveAll(dir); err != nil {
			logger.Warn("Failed to remove scoped directory", logger.KeyDir, dir, logger.KeyError, err)
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
			continue
		}
		exitRegistry.remove(dir)
	}
	return errors.Join(errs...)
}

// registry remembers every live scoped directory in the process.
type registry struct {
	mu   sync.Mutex
	dirs map[string]afero.Fs
}

var exitRegistry = &registry{dirs: make(map[string]afero.Fs)}

func (r *registry) add(fs afero.Fs, dir string) {
	r.mu.Lock()
	r.dirs[dir] = fs
	r.mu.Unlock()
}

func (r *registry) remove(dir string) {
	r.mu.Lock()
	delete(r.dirs, dir)
	r.mu.Unlock()
}

// Pending returns the scoped directories not yet removed in this process.
func Pending() []string {
	exitRegistry.mu.Lock()
	defer exitRegistry.mu.Unlock()

	out := make([]string, 0, len(exitRegistry.dirs))
	for dir := range exitRegistry.dirs {
		out = append(out, dir)
	}
	return out
}

// CleanupAtExit removes every scoped directory still registered in the
// process. Call it once the process is done with all instances:
//
//	func TestMain(m *testing.M) {
//		code := m.Run()
//		_ = provision.CleanupAtExit()
//		os.Exit(code)
//	}
func CleanupAtExit() error {
	exitRegistry.mu.Lock()
	pending := exitRegistry.dirs
	exitRegistry.dirs = make(map[string]afero.Fs)
	exitRegistry.mu.Unlock()

	var errs []error
	for dir, fs := range pending {
		if err := fs.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}
