package nest

import (
	"errors"
	"log/slog"
)

// Option configures a Manager.
type Option func(*Manager) error

// --- Configuration Options ---

// WithConfig sets the configuration. The default is DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(m *Manager) error {
		if err := cfg.validate(); err != nil {
			return err
		}
		c := cfg.clone()
		m.cfg = &c
		return nil
	}
}

// WithLogger sets the logger for the manager and every archive it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		m.logger = logger
		return nil
	}
}

// --- Collaborator Options ---

// WithPasswordPrompter sets the password prompt. Without one, encrypted
// archives fail with ErrPasswordRequired unless a password was cached.
func WithPasswordPrompter(p PasswordPrompter) Option {
	return func(m *Manager) error {
		m.prompter = p
		return nil
	}
}

// WithNotifier sets the notice sink used for password failures.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) error {
		m.notifier = n
		return nil
	}
}

// WithPluginRegistry replaces the default plugin registry.
func WithPluginRegistry(r *PluginRegistry) Option {
	return func(m *Manager) error {
		if r == nil {
			return errors.New("nest: nil plugin registry")
		}
		m.plugins = r
		return nil
	}
}

// WithPageRenderer sets the PDF page renderer. Without one, PDF pages are
// listed but cannot be opened.
func WithPageRenderer(r PageRenderer) Option {
	return func(m *Manager) error {
		m.renderer = r
		return nil
	}
}

// WithProgressTracker registers zip rewrites with t.
func WithProgressTracker(t ProgressTracker) Option {
	return func(m *Manager) error {
		m.tracker = t
		return nil
	}
}

// WithPreExtractObserver receives the pre-extraction events of every
// archive. fn must not block.
func WithPreExtractObserver(fn func(PreExtractEvent)) Option {
	return func(m *Manager) error {
		m.observer = fn
		return nil
	}
}

// CreateOption configures CreateArchive and OpenArchive.
type CreateOption func(*createOptions)

type createOptions struct {
	hint        Kind
	plugin      string
	ignoreCache bool
}

// WithHint prefers kind for the file when kind claims its extension.
func WithHint(kind Kind) CreateOption {
	return func(o *createOptions) {
		o.hint = kind
	}
}

// WithPlugin forces the named plugin. It implies WithHint(KindPlugin).
func WithPlugin(name string) CreateOption {
	return func(o *createOptions) {
		o.plugin = name
		o.hint = KindPlugin
	}
}

// WithIgnoreCache always creates a new archive, replacing any cached one.
func WithIgnoreCache() CreateOption {
	return func(o *createOptions) {
		o.ignoreCache = true
	}
}
