package desiredstate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"
	"go.uber.org/zap"
)

// FileSource serves desired state from the local filesystem. The full document lives
// in stateFile; patches are *.json files dropped into patchDir, consumed in lexical
// order and removed afterwards. Both accept JSON with comments.
// Writers should create patch files elsewhere and rename them into patchDir.
type FileSource struct {
	stateFile string
	patchDir  string
	logger    *zap.Logger
}

// NewFileSource creates a FileSource. patchDir may be empty to disable patches.
func NewFileSource(stateFile, patchDir string, logger *zap.Logger) *FileSource {
	return &FileSource{
		stateFile: filepath.Clean(stateFile),
		patchDir:  cleanOptional(patchDir),
		logger:    logger,
	}
}

// Fetch reads the full document.
func (f *FileSource) Fetch(_ context.Context) ([]byte, error) {
	doc, err := readDocument(f.stateFile)
	if err != nil {
		return nil, err
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("desired state file %s is empty", f.stateFile)
	}
	return doc, nil
}

// Watch watches the state file's directory and the patch directory. Rewrites of the
// state file are delivered as FullState, new patch files as Patch.
func (f *FileSource) Watch(ctx context.Context) (<-chan Update, <-chan error) {
	updates := make(chan Update)
	errs := make(chan error, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errs <- fmt.Errorf("failed to create watcher: %w", err)
		close(updates)
		return updates, errs
	}

	// Watch the directory rather than the file so atomic replaces are seen.
	if err := watcher.Add(filepath.Dir(f.stateFile)); err != nil {
		watcher.Close()
		errs <- fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.stateFile), err)
		close(updates)
		return updates, errs
	}
	if f.patchDir != "" {
		if err := watcher.Add(f.patchDir); err != nil {
			watcher.Close()
			errs <- fmt.Errorf("failed to watch patch dir %s: %w", f.patchDir, err)
			close(updates)
			return updates, errs
		}
	}

	go f.run(ctx, watcher, updates, errs)
	return updates, errs
}

func (f *FileSource) run(ctx context.Context, watcher *fsnotify.Watcher, updates chan<- Update, errs chan<- error) {
	defer close(updates)
	defer watcher.Close()

	// Patches dropped while the agent was down.
	if !f.drainPatches(ctx, updates) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			errs <- fmt.Errorf("watch failed: %w", err)
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Clean(event.Name)
			switch {
			case name == f.stateFile:
				f.logger.Info("desired state file changed", zap.String("file", name))
				doc, err := readDocument(name)
				if err != nil {
					f.logger.Error("failed to read desired state file", zap.Error(err))
					continue
				}
				if len(doc) == 0 {
					continue
				}
				if !send(ctx, updates, Update{Kind: FullState, Doc: doc}) {
					return
				}
			case f.patchDir != "" && filepath.Dir(name) == f.patchDir:
				if !f.drainPatches(ctx, updates) {
					return
				}
			}
		}
	}
}

// drainPatches delivers every pending patch file and removes it once delivered.
// It returns false once ctx is cancelled.
func (f *FileSource) drainPatches(ctx context.Context, updates chan<- Update) bool {
	if f.patchDir == "" {
		return true
	}
	files, err := PendingPatches(f.patchDir)
	if err != nil {
		f.logger.Error("failed to list patch directory", zap.String("dir", f.patchDir), zap.Error(err))
		return true
	}

	for _, path := range files {
		doc, err := readDocument(path)
		if err != nil {
			f.logger.Error("failed to read patch file", zap.String("file", path), zap.Error(err))
			continue
		}
		if len(doc) == 0 {
			// still being written, a later event picks it up
			continue
		}
		f.logger.Info("patch file received", zap.String("file", path))
		if !send(ctx, updates, Update{Kind: Patch, Doc: doc}) {
			// left in place for the next start
			return false
		}
		if err := os.Remove(path); err != nil {
			f.logger.Error("failed to remove consumed patch file", zap.String("file", path), zap.Error(err))
		}
	}
	return true
}

// PendingPatches lists *.json files in dir in lexical order, skipping hidden files.
func PendingPatches(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// readDocument reads a JSON (with comments) file and returns plain JSON.
func readDocument(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	return jsonc.ToJSON(raw), nil
}

func send(ctx context.Context, updates chan<- Update, update Update) bool {
	select {
	case updates <- update:
		return true
	case <-ctx.Done():
		return false
	}
}

func cleanOptional(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}
