// Package locator finds the Canoe123 timing engine's active XML database
// file by reading the engine's own on-disk user configuration.
package locator

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
)

// Modes for resolving the active XML file.
const (
	ModeAutoOffline = "auto-offline"
	ModeAutoMain    = "auto-main"
	ModeManual      = "manual"
)

// engineDirPrefix matches the engine's settings directories under the
// user's local configuration area.
const engineDirPrefix = "Canoe123"

var (
	reCurrentEventFile = regexp.MustCompile(`(?s)CurrentEventFile[^>]*>\s*<value>([^<]*)</value>`)
	reAutoCopyFolder   = regexp.MustCompile(`(?s)AutoCopyFolder[^>]*>\s*<value>([^<]*)</value>`)
)

// Candidate is one resolvable XML file path with its existence flag.
type Candidate struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// Result is the outcome of one detection pass. Found is false when the
// engine's settings tree is missing; that is a structured outcome, not an
// error.
type Result struct {
	Found      bool       `json:"found"`
	ConfigFile string     `json:"configFile,omitempty"`
	Main       *Candidate `json:"main,omitempty"`
	Offline    *Candidate `json:"offline,omitempty"`
	DetectedAt time.Time  `json:"detectedAt"`
}

// Resolve picks the active path for a mode. Empty when nothing applies.
func (r Result) Resolve(mode, manualPath string) string {
	switch mode {
	case ModeManual:
		return manualPath
	case ModeAutoMain:
		if r.Main != nil {
			return r.Main.Path
		}
	case ModeAutoOffline:
		if r.Offline != nil && r.Offline.Exists {
			return r.Offline.Path
		}
		if r.Main != nil {
			return r.Main.Path
		}
	}
	return ""
}

// Locator performs detection passes against a configurable settings root.
type Locator struct {
	logger logging.Logger
	root   string

	mu   sync.Mutex
	last Result
}

// New creates a locator. root overrides the engine settings root; empty
// selects the platform default (LOCALAPPDATA, falling back to the user
// config dir).
func New(root string, logger logging.Logger) *Locator {
	if root == "" {
		root = defaultRoot()
	}
	return &Locator{logger: logger, root: root}
}

func defaultRoot() string {
	if v := os.Getenv("LOCALAPPDATA"); v != "" {
		return v
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return dir
}

// Last returns the most recent detection result.
func (l *Locator) Last() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Detect runs one detection pass: find the newest user.config under the
// engine's settings directories, extract the event file and auto-copy
// folder, and derive the main and offline candidates.
func (l *Locator) Detect() Result {
	result := Result{DetectedAt: time.Now().UTC()}

	configFile := l.newestUserConfig()
	if configFile == "" {
		l.store(result)
		return result
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		l.logger.WithError(err).WithField("path", configFile).Warn("Cannot read engine user.config")
		l.store(result)
		return result
	}

	content := string(data)
	eventFile := extract(reCurrentEventFile, content)
	autoCopy := extract(reAutoCopyFolder, content)
	if eventFile == "" {
		l.store(result)
		return result
	}

	result.Found = true
	result.ConfigFile = configFile
	result.Main = candidate(eventFile)
	if autoCopy != "" {
		result.Offline = candidate(filepath.Join(autoCopy, filepath.Base(eventFile)))
	}
	l.store(result)
	return result
}

// newestUserConfig walks the prefix-matched engine directories and returns
// the user.config with the most recent mtime.
func (l *Locator) newestUserConfig() string {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return ""
	}

	newest := ""
	var newestTime time.Time
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), engineDirPrefix) {
			continue
		}
		dir := filepath.Join(l.root, entry.Name())
		filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || d.Name() != "user.config" {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().After(newestTime) {
				newestTime = info.ModTime()
				newest = path
			}
			return nil
		})
	}
	return newest
}

func (l *Locator) store(result Result) {
	l.mu.Lock()
	l.last = result
	l.mu.Unlock()
}

func candidate(path string) *Candidate {
	_, err := os.Stat(path)
	return &Candidate{Path: path, Exists: err == nil}
}

func extract(re *regexp.Regexp, content string) string {
	m := re.FindStringSubmatch(content)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Monitor repeats detection at an interval and calls onChange when the
// resolved path for the given mode differs from the previous tick.
type Monitor struct {
	locator  *Locator
	interval time.Duration
	mode     func() (mode, manualPath string)
	onChange func(result Result, resolved string)

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewMonitor creates a monitor; modeFn supplies the current mode at each
// tick so runtime mode switches take effect without restart.
func NewMonitor(l *Locator, interval time.Duration, modeFn func() (string, string), onChange func(Result, string)) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		locator:  l,
		interval: interval,
		mode:     modeFn,
		onChange: onChange,
		stopped:  make(chan struct{}),
	}
}

// Run detects immediately and then on every tick until ctx is done or Stop
// is called.
func (m *Monitor) Run(ctx context.Context) {
	lastResolved := ""
	tick := func() {
		result := m.locator.Detect()
		mode, manual := m.mode()
		resolved := result.Resolve(mode, manual)
		if resolved != lastResolved {
			lastResolved = resolved
			m.onChange(result, resolved)
		}
	}
	tick()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopped:
			return
		case <-ticker.C:
			tick()
		}
	}
}

// Stop ends the monitor loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
}
