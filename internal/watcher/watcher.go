// Package watcher hot-reloads the YAML configuration. Changes to the
// config file are re-read, validated, and swapped into the shared
// snapshot holder; an invalid file keeps the previous snapshot active.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kleisproxy/kleis/internal/config"
	"github.com/kleisproxy/kleis/internal/logging"
	log "github.com/sirupsen/logrus"
)

// debounce absorbs the editor write-rename-chmod bursts some platforms
// deliver for a single save.
const debounce = 200 * time.Millisecond

// Watcher re-reads the config file on filesystem change.
type Watcher struct {
	configPath string
	holder     *config.Holder
	watcher    *fsnotify.Watcher
	lastHash   string
}

// New creates a watcher bound to the given config file and holder.
func New(configPath string, holder *config.Holder) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		configPath: configPath,
		holder:     holder,
		watcher:    fsw,
	}
	w.lastHash = w.hashFile()
	return w, nil
}

// Start watches until the context is canceled. Watching the parent
// directory keeps the watch alive across atomic-rename saves.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	log.WithField("path", w.configPath).Debug("watching config file")

	go w.run(ctx)
	return nil
}

// Close stops delivering events.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, w.reload)
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config watcher error")
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Clean(event.Name) == filepath.Clean(w.configPath) ||
		strings.HasPrefix(filepath.Base(event.Name), filepath.Base(w.configPath))
}

func (w *Watcher) reload() {
	hash := w.hashFile()
	if hash == "" || hash == w.lastHash {
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.WithError(err).Warn("config reload rejected, keeping previous snapshot")
		return
	}
	w.lastHash = hash

	previous := w.holder.Load()
	w.holder.Store(cfg)
	if previous == nil || previous.LogLevel != cfg.LogLevel {
		logging.SetLogLevel(cfg.LogLevel)
	}
	log.WithField("path", w.configPath).Info("configuration reloaded")
}

func (w *Watcher) hashFile() string {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
