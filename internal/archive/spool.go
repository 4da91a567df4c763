// internal/archive/spool.go
package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

const metaSuffix = ".meta.json"

// spoolMeta sits next to each spooled export as <file>.meta.json.
type spoolMeta struct {
	RunID  string `json:"run_id"`
	Key    string `json:"key"`
	Events int    `json:"events"`
}

// SpoolResult describes what ProcessOne did with the oldest entry.
type SpoolResult int

const (
	SpoolEmpty    SpoolResult = iota
	SpoolUploaded             // uploaded and removed
	SpoolExpired              // older than MaxAge, removed
	SpoolInvalid              // not a readable gzip NDJSON export, removed
)

// Spool
// ------------------------------------------------------------
// Local holding area for exports whose upload failed. File names keep
// the <unix>_<run>_<counter>.jsonl.gz pattern, so sorting them yields
// the oldest first. Total size is capped by evicting the oldest.
type Spool struct {
	dir      string
	maxAge   time.Duration
	maxBytes int64
	log      zerolog.Logger
	now      func() time.Time
}

func NewSpool(dir string, maxAge time.Duration, maxBytes int64, log zerolog.Logger) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Spool{
		dir:      dir,
		maxAge:   maxAge,
		maxBytes: maxBytes,
		log:      log.With().Str("component", "spool").Logger(),
		now:      time.Now,
	}
	s.dropOrphanMeta()
	return s, nil
}

// Save keeps x for a later upload under key.
func (s *Spool) Save(x Export, key string) (string, error) {
	if len(x.Data) == 0 {
		return "", errors.New("spool: empty export")
	}
	if !s.ensureCapacity(int64(len(x.Data))) {
		return "", fmt.Errorf("spool: export of %d bytes exceeds capacity %d", len(x.Data), s.maxBytes)
	}

	name := NewFilename(x.RunID, s.now())
	dataPath := filepath.Join(s.dir, name)
	if err := os.WriteFile(dataPath, x.Data, 0o600); err != nil {
		return "", err
	}
	meta, err := json.Marshal(spoolMeta{RunID: x.RunID, Key: key, Events: x.Events})
	if err == nil {
		err = os.WriteFile(dataPath+metaSuffix, meta, 0o600)
	}
	if err != nil {
		_ = os.Remove(dataPath)
		return "", err
	}
	s.log.Warn().Str("file", name).Str("key", key).Int("events", x.Events).Msg("export spooled")
	return name, nil
}

// Pending lists spooled files, oldest first.
func (s *Spool) Pending() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, metaSuffix) || name == "" || name[0] == '.' {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files
}

// ProcessOne handles the oldest spooled export: expire it, drop it if
// unreadable, or upload it and remove it. An upload failure leaves it in
// place and is returned.
func (s *Spool) ProcessOne(ctx context.Context, u Uploader) (SpoolResult, error) {
	if err := ctx.Err(); err != nil {
		return SpoolEmpty, err
	}
	pending := s.Pending()
	if len(pending) == 0 {
		return SpoolEmpty, nil
	}
	name := pending[0]
	dataPath := filepath.Join(s.dir, name)

	if s.maxAge > 0 {
		if sec, ok := unixFromFilename(name); ok {
			if age := s.now().Sub(time.Unix(sec, 0)); age > s.maxAge {
				s.remove(name)
				s.log.Info().Str("file", name).Dur("age", age).Msg("spooled export expired")
				return SpoolExpired, nil
			}
		}
	}

	data, err := os.ReadFile(dataPath)
	if err != nil {
		return SpoolEmpty, err
	}
	if !validExport(data) {
		s.remove(name)
		s.log.Warn().Str("file", name).Msg("spooled export unreadable, dropped")
		return SpoolInvalid, nil
	}

	meta := spoolMeta{RunID: runFromFilename(name)}
	if raw, err := os.ReadFile(dataPath + metaSuffix); err == nil {
		_ = json.Unmarshal(raw, &meta)
	}
	if meta.Key == "" {
		meta.Key = BuildS3Key("", name, s.now())
	}

	if err := u.UploadBytesWithRetryCtx(ctx, meta.Key, data); err != nil {
		return SpoolEmpty, err
	}
	s.remove(name)
	s.log.Info().Str("file", name).Str("key", meta.Key).Int("events", meta.Events).Msg("spooled export uploaded")
	return SpoolUploaded, nil
}

func (s *Spool) remove(name string) {
	p := filepath.Join(s.dir, name)
	_ = os.Remove(p)
	_ = os.Remove(p + metaSuffix)
}

func (s *Spool) size() int64 {
	var total int64
	for _, name := range s.Pending() {
		if fi, err := os.Stat(filepath.Join(s.dir, name)); err == nil {
			total += fi.Size()
		}
	}
	return total
}

// ensureCapacity evicts oldest entries until incoming fits. A single
// export larger than the cap never fits.
func (s *Spool) ensureCapacity(incoming int64) bool {
	if s.maxBytes <= 0 {
		return true
	}
	if incoming > s.maxBytes {
		return false
	}
	for s.size()+incoming > s.maxBytes {
		pending := s.Pending()
		if len(pending) == 0 {
			return false
		}
		s.remove(pending[0])
		s.log.Warn().Str("file", pending[0]).Msg("spool full, evicted oldest")
	}
	return true
}

func (s *Spool) dropOrphanMeta() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, strings.TrimSuffix(name, metaSuffix))); os.IsNotExist(err) {
			_ = os.Remove(filepath.Join(s.dir, name))
		}
	}
}

// validExport checks that data is gzip whose first line is a JSON object.
// An empty run exports as an empty gzip stream, which is also valid.
func validExport(data []byte) bool {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return err == io.EOF
	}
	var obj map[string]any
	return json.Unmarshal(line, &obj) == nil
}

// unixFromFilename parses the leading <unix>_ of a spooled name.
func unixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}

// runFromFilename strips <unix>_ and _<counter>.jsonl.gz.
func runFromFilename(name string) string {
	name = strings.TrimSuffix(name, ".jsonl.gz")
	if i := strings.IndexByte(name, '_'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '_'); i >= 0 {
		name = name[:i]
	}
	return name
}
