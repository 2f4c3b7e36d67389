package main

import (
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jedisct1/dlog"
)

// ConfigWatcher polls files and calls their reload function once a change has
// settled. A file is considered changed when its content digest differs from the
// one last loaded, so touching a file without editing it reloads nothing.
type ConfigWatcher struct {
	mu       sync.Mutex
	files    map[string]*watchedFile
	interval time.Duration
	settle   time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

type watchedFile struct {
	path    string
	digest  [sha256.Size]byte
	modTime time.Time
	reload  func() error
}

func NewConfigWatcher(interval time.Duration) *ConfigWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	cw := &ConfigWatcher{
		files:    make(map[string]*watchedFile),
		interval: interval,
		settle:   100 * time.Millisecond,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go cw.loop()
	return cw
}

func (cw *ConfigWatcher) loop() {
	defer close(cw.done)
	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cw.poll()
		case <-cw.stop:
			return
		}
	}
}

func (cw *ConfigWatcher) poll() {
	cw.mu.Lock()
	files := make([]*watchedFile, 0, len(cw.files))
	for _, wf := range cw.files {
		files = append(files, wf)
	}
	cw.mu.Unlock()

	for _, wf := range files {
		cw.check(wf)
	}
}

func fileDigest(path string) ([sha256.Size]byte, time.Time, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return [sha256.Size]byte{}, time.Time{}, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return [sha256.Size]byte{}, time.Time{}, err
	}
	return sha256.Sum256(content), fileInfo.ModTime(), nil
}

func (cw *ConfigWatcher) check(wf *watchedFile) {
	fileInfo, err := os.Stat(wf.path)
	if err != nil {
		// Editors may replace the file in several steps
		dlog.Debugf("Cannot stat [%s]: %v", wf.path, err)
		return
	}
	if fileInfo.ModTime().Equal(wf.modTime) {
		return
	}
	first, _, err := fileDigest(wf.path)
	if err != nil {
		return
	}
	time.Sleep(cw.settle)
	second, modTime, err := fileDigest(wf.path)
	if err != nil {
		return
	}
	if first != second {
		dlog.Debugf("[%s] is still being written", wf.path)
		return
	}
	if second == wf.digest {
		wf.modTime = modTime
		return
	}

	dlog.Noticef("[%s] has changed, reloading", wf.path)
	if err := wf.reload(); err != nil {
		dlog.Errorf("Failed to reload [%s]: %v", wf.path, err)
		return
	}
	wf.digest, wf.modTime = second, modTime
	dlog.Noticef("Reloaded [%s]", wf.path)
}

// Watch registers a file; reload runs on the watcher goroutine.
func (cw *ConfigWatcher) Watch(path string, reload func() error) error {
	if len(path) == 0 {
		return errors.New("empty file path")
	}
	if reload == nil {
		return errors.New("reload function is nil")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	digest, modTime, err := fileDigest(absPath)
	if err != nil {
		return err
	}
	cw.mu.Lock()
	cw.files[absPath] = &watchedFile{path: absPath, digest: digest, modTime: modTime, reload: reload}
	cw.mu.Unlock()
	dlog.Noticef("Now watching [%s] for changes", absPath)
	return nil
}

func (cw *ConfigWatcher) Unwatch(path string) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if _, exists := cw.files[absPath]; exists {
		delete(cw.files, absPath)
		dlog.Noticef("Stopped watching [%s]", absPath)
	}
}

// Shutdown stops the watcher and waits for an in-flight reload to finish.
func (cw *ConfigWatcher) Shutdown() {
	cw.once.Do(func() { close(cw.stop) })
	<-cw.done
}
