package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kandev/vigil/internal/common/logger"
)

const defaultDebounce = 250 * time.Millisecond

// DevicesChangedFunc receives the device list after a change settles.
type DevicesChangedFunc func(devices []Device)

// Watcher observes a FileSource directory and reports device changes.
// Bursts of filesystem events are debounced into one notification.
type Watcher struct {
	source   *FileSource
	onChange DevicesChangedFunc
	debounce time.Duration
	logger   *logger.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for source.
func NewWatcher(source *FileSource, onChange DevicesChangedFunc, log *logger.Logger) *Watcher {
	return &Watcher{
		source:   source,
		onChange: onChange,
		debounce: defaultDebounce,
		logger:   log.WithFields(zap.String("component", "capture-watcher")),
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching and reports the current device list once before
// returning. The root directory is created when missing.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.source.Root(), 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.source.Root()); err != nil {
		_ = fw.Close()
		return err
	}
	w.addSubdirs(fw)
	w.watcher = fw

	w.wg.Add(1)
	go w.loop(ctx)

	devices, err := w.source.ListDevices(ctx)
	if err != nil {
		w.logger.Warn("Failed to list initial devices", zap.Error(err))
	} else {
		w.onChange(devices)
	}

	w.logger.Info("Watching capture directory",
		zap.String("dir", w.source.Root()),
		zap.Int("devices", len(devices)))
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	select {
	case <-w.stopCh:
		return
	default:
		close(w.stopCh)
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) addSubdirs(fw *fsnotify.Watcher) {
	entries, err := os.ReadDir(w.source.Root())
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			path := filepath.Join(w.source.Root(), e.Name())
			if err := fw.Add(path); err != nil {
				w.logger.Debug("Failed to watch device dir", zap.String("dir", path), zap.Error(err))
			}
		}
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.watcher.Add(event.Name)
				}
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.schedule(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Capture watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		devices, err := w.source.ListDevices(ctx)
		if err != nil {
			w.logger.Warn("Failed to list devices after change", zap.Error(err))
			return
		}
		w.onChange(devices)
	})
}
