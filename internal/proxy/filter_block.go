package proxy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"burrow/internal/config"
	"burrow/internal/httpio"
	"burrow/pkg/logger"
)

// reloadDelay collapses the burst of events an editor save produces into
// one reload.
const reloadDelay = 100 * time.Millisecond

// BlockFilter rejects requests by URI. With an allow pattern only matching
// URIs pass; otherwise URIs matching the block pattern, or any pattern in
// the pattern file, get a 403.
type BlockFilter struct {
	pages *pageGenerator
	log   *logger.Logger

	allow *regexp.Regexp
	block *regexp.Regexp

	path     string
	filePats atomic.Pointer[regexp.Regexp]

	watcher *fsnotify.Watcher
	timerMu sync.Mutex
	timer   *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

func newBlockFilter(cfg config.BlockFilterConfig, pages *pageGenerator, log *logger.Logger) (*BlockFilter, error) {
	f := &BlockFilter{
		pages: pages,
		log:   log.Component("block"),
		path:  cfg.PatternFile,
		done:  make(chan struct{}),
	}

	var err error
	if cfg.Allow != "" {
		if f.allow, err = regexp.Compile(cfg.Allow); err != nil {
			return nil, fmt.Errorf("bad allow pattern: %w", err)
		}
	}
	if cfg.Block != "" {
		if f.block, err = regexp.Compile(cfg.Block); err != nil {
			return nil, fmt.Errorf("bad block pattern: %w", err)
		}
	}

	if f.path != "" {
		if err := f.reload(); err != nil {
			return nil, err
		}
		if err := f.watch(); err != nil {
			return nil, err
		}
	}

	return f, nil
}

func (f *BlockFilter) FilterIn(_ *Connection, h *httpio.Header) *Response {
	uri := h.URI()

	if f.allow != nil {
		if f.allow.MatchString(uri) {
			return nil
		}
		return f.pages.forbidden()
	}

	if f.block != nil && f.block.MatchString(uri) {
		return f.pages.forbidden()
	}
	if re := f.filePats.Load(); re != nil && re.MatchString(uri) {
		return f.pages.forbidden()
	}
	return nil
}

func (f *BlockFilter) FilterOut(*Connection, *httpio.Header) *Response {
	return nil
}

// reload reads the pattern file: one regular expression per line, blank
// lines and lines starting with # ignored.
func (f *BlockFilter) reload() error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open pattern file: %w", err)
	}
	defer file.Close()

	var parts []string
	sc := bufio.NewScanner(file)
	for line := 1; sc.Scan(); line++ {
		p := strings.TrimSpace(sc.Text())
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%s:%d: bad pattern: %w", f.path, line, err)
		}
		parts = append(parts, "(?:"+p+")")
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read pattern file: %w", err)
	}

	if len(parts) == 0 {
		f.filePats.Store(nil)
		return nil
	}

	f.filePats.Store(regexp.MustCompile(strings.Join(parts, "|")))
	f.log.Info("Block patterns loaded", "path", f.path, "patterns", len(parts))
	return nil
}

// watch follows the pattern file's directory so that replacing the file
// by rename is noticed as well as writing it in place.
func (f *BlockFilter) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", f.path, err)
	}
	f.watcher = w

	name := filepath.Clean(f.path)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-f.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				f.scheduleReload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.log.Error("Pattern file watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (f *BlockFilter) scheduleReload() {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()

	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(reloadDelay, func() {
		if err := f.reload(); err != nil {
			f.log.Error("Pattern file reload failed, keeping previous patterns", "error", err)
		}
	})
}

// Close stops watching the pattern file.
func (f *BlockFilter) Close() error {
	if f.watcher == nil {
		return nil
	}

	close(f.done)
	err := f.watcher.Close()
	f.wg.Wait()

	f.timerMu.Lock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timerMu.Unlock()

	f.watcher = nil
	return err
}
