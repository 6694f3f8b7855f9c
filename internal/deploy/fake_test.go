package deploy

import (
	"context"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/3cpo-dev/sitedeploy/internal/site"
	"github.com/3cpo-dev/sitedeploy/pkg/api"
)

// fakeSite is an in-memory site.Client. Files are keyed by their full
// slash path; uploads copy the local file content at call time.
type fakeSite struct {
	mu       sync.Mutex
	files    map[string]string
	dirs     map[string]bool
	commands []string
	history  []api.HistoryRecord
	extracts [][2]string
	created  []string
	gets     map[string]int

	onCommand  func(f *fakeSite, dir, command string) error
	extractErr error
	historyErr error
	getErr     error
	// visibleAfter hides a file until it has been fetched this many times.
	visibleAfter map[string]int
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		files:        map[string]string{},
		dirs:         map[string]bool{WebRoot: true},
		gets:         map[string]int{},
		visibleAfter: map[string]int{},
	}
}

func (f *fakeSite) put(dir, name, content string) {
	f.files[path.Join(dir, name)] = content
}

func (f *fakeSite) has(dir, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path.Join(dir, name)]
	return ok
}

func (f *fakeSite) commandsWithPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeSite) ListDir(ctx context.Context, dir string) ([]site.Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirs[dir] {
		return nil, false, nil
	}
	return []site.Entry{}, true, nil
}

func (f *fakeSite) CreatePath(ctx context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[dir] = true
	f.created = append(f.created, dir)
	return nil
}

func (f *fakeSite) UploadFile(ctx context.Context, dir, fileName, localFilePath string) error {
	b, err := os.ReadFile(localFilePath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(dir, fileName, string(b))
	return nil
}

func (f *fakeSite) GetFileContent(ctx context.Context, dir, fileName string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", false, f.getErr
	}
	key := path.Join(dir, fileName)
	f.gets[key]++
	if n, ok := f.visibleAfter[key]; ok && f.gets[key] < n {
		return "", false, nil
	}
	c, ok := f.files[key]
	return c, ok, nil
}

func (f *fakeSite) DeleteFile(ctx context.Context, dir, fileName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path.Join(dir, fileName))
	return nil
}

func (f *fakeSite) ExtractZip(ctx context.Context, archivePath, destPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extractErr != nil {
		return f.extractErr
	}
	f.extracts = append(f.extracts, [2]string{archivePath, destPath})
	return nil
}

func (f *fakeSite) RunCommand(ctx context.Context, dir, command string) error {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	hook := f.onCommand
	f.mu.Unlock()
	if hook != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		return hook(f, dir, command)
	}
	return nil
}

func (f *fakeSite) RecordDeploymentHistory(ctx context.Context, rec api.HistoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return f.historyErr
	}
	f.history = append(f.history, rec)
	return nil
}

var _ site.Client = (*fakeSite)(nil)
