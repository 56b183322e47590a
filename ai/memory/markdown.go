package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/internal/strutil"
)

// DigestWriter maintains the human-readable mirrors of the vector store:
// an append-only MEMORY.md plus daily/<date>.md digests. The mirrors are
// non-authoritative; Regenerate rebuilds them from store state.
type DigestWriter struct {
	mu  sync.Mutex
	dir string
}

// NewDigestWriter creates the writer rooted at dir.
func NewDigestWriter(dir string) *DigestWriter {
	return &DigestWriter{dir: dir}
}

// Dir returns the digest root.
func (w *DigestWriter) Dir() string { return w.dir }

// Append records a newly stored memory in both mirrors.
func (w *DigestWriter) Append(vec *MemoryVector) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := digestLine(vec)
	if err := w.appendFile(filepath.Join(w.dir, "MEMORY.md"), "# Memory log\n\n", line); err != nil {
		return err
	}
	daily := filepath.Join(w.dir, "daily", vec.Timestamp.Format("2006-01-02")+".md")
	header := fmt.Sprintf("# %s\n\n", vec.Timestamp.Format("2006-01-02"))
	return w.appendFile(daily, header, line)
}

func (w *DigestWriter) appendFile(path, header, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return aierrors.Wrap(err, aierrors.SystemInternal, "create digest dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return aierrors.Wrap(err, aierrors.SystemInternal, "open digest file")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return aierrors.Wrap(err, aierrors.SystemInternal, "stat digest file")
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(header); err != nil {
			return aierrors.Wrap(err, aierrors.SystemInternal, "write digest header")
		}
	}
	if _, err := f.WriteString(line); err != nil {
		return aierrors.Wrap(err, aierrors.SystemInternal, "write digest entry")
	}
	return nil
}

// Regenerate rebuilds MEMORY.md and every daily digest from store state,
// discarding the append-only history. Deprecated memories are kept but
// struck through.
func (w *DigestWriter) Regenerate(store *Store) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var all []*MemoryVector
	store.mu.RLock()
	for _, vec := range store.vectors {
		all = append(all, vec.Clone())
	}
	store.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	var main strings.Builder
	main.WriteString("# Memory log\n\n")
	byDay := make(map[string]*strings.Builder)
	for _, vec := range all {
		line := digestLine(vec)
		main.WriteString(line)

		day := vec.Timestamp.Format("2006-01-02")
		b, ok := byDay[day]
		if !ok {
			b = &strings.Builder{}
			fmt.Fprintf(b, "# %s\n\n", day)
			byDay[day] = b
		}
		b.WriteString(line)
	}

	if err := os.MkdirAll(filepath.Join(w.dir, "daily"), 0o755); err != nil {
		return aierrors.Wrap(err, aierrors.SystemInternal, "create digest dir")
	}
	if err := os.WriteFile(filepath.Join(w.dir, "MEMORY.md"), []byte(main.String()), 0o644); err != nil {
		return aierrors.Wrap(err, aierrors.SystemInternal, "write MEMORY.md")
	}
	for day, b := range byDay {
		path := filepath.Join(w.dir, "daily", day+".md")
		if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
			return aierrors.Wrap(err, aierrors.SystemInternal, "write daily digest")
		}
	}
	return nil
}

// RenderMarkdown returns the MEMORY.md content, regenerating it when the
// mirror does not exist yet.
func (w *DigestWriter) RenderMarkdown(store *Store) (string, error) {
	path := filepath.Join(w.dir, "MEMORY.md")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := w.Regenerate(store); err != nil {
			return "", err
		}
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", aierrors.Wrap(err, aierrors.SystemInternal, "read MEMORY.md")
	}
	return string(data), nil
}

// DailyDigests lists the available daily digests, newest first.
func (w *DigestWriter) DailyDigests() ([]DailyDigest, error) {
	entries, err := os.ReadDir(filepath.Join(w.dir, "daily"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, aierrors.Wrap(err, aierrors.SystemInternal, "read daily digests")
	}

	digests := make([]DailyDigest, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		day, perr := time.Parse("2006-01-02", strings.TrimSuffix(name, ".md"))
		if perr != nil {
			continue
		}
		data, rerr := os.ReadFile(filepath.Join(w.dir, "daily", name))
		if rerr != nil {
			return nil, aierrors.Wrap(rerr, aierrors.SystemInternal, "read daily digest")
		}
		digests = append(digests, DailyDigest{Date: day, Content: string(data)})
	}
	sort.Slice(digests, func(i, j int) bool {
		return digests[i].Date.After(digests[j].Date)
	})
	return digests, nil
}

// DailyDigest is one daily/<date>.md file.
type DailyDigest struct {
	Date    time.Time
	Content string
}

func digestLine(vec *MemoryVector) string {
	content := strutil.Truncate(strings.ReplaceAll(vec.Content, "\n", " "), 200)
	if vec.Deprecated {
		content = "~~" + content + "~~"
	}
	return fmt.Sprintf("- `%s` [%s/%s, importance %.2f] %s\n",
		vec.Timestamp.Format(time.RFC3339), vec.Type, vec.Source, vec.Importance, content)
}
