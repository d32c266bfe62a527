package worker

// import_watcher.go
// Watches IMPORT_WATCH_DIR and ingests spreadsheets dropped there. The file
// name carries the identity the parser cannot infer:
//   <SOURCE>_<UF>_<YYYY-MM>_<insumos|composicoes>[_<onerado|desonerado>][...].csv|.xlsx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"refprice/internal/model"
	"refprice/internal/service"
	"refprice/internal/spreadsheet"
)

const importDebounce = 750 * time.Millisecond

var (
	ErrImportFilename = errors.New("nome de arquivo fora do padrão <FONTE>_<UF>_<AAAA-MM>_<insumos|composicoes>")

	importExtensions = map[string]bool{".csv": true, ".xlsx": true}
	monthPattern     = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)
	ufPattern        = regexp.MustCompile(`^[A-Z]{2}$`)
)

// ParseImportFilename extracts the source and parse options from a file name.
func ParseImportFilename(path string) (string, spreadsheet.ParseOptions, error) {
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	if !importExtensions[ext] {
		return "", spreadsheet.ParseOptions{}, ErrImportFilename
	}
	parts := strings.Split(strings.TrimSuffix(base, filepath.Ext(base)), "_")
	if len(parts) < 4 {
		return "", spreadsheet.ParseOptions{}, ErrImportFilename
	}

	source := strings.ToLower(parts[0])
	opts := spreadsheet.ParseOptions{
		Source:         source,
		Region:         strings.ToUpper(parts[1]),
		ReferenceMonth: parts[2],
	}
	if !ufPattern.MatchString(opts.Region) || !monthPattern.MatchString(opts.ReferenceMonth) {
		return "", spreadsheet.ParseOptions{}, ErrImportFilename
	}
	switch strings.ToLower(parts[3]) {
	case "insumos":
		opts.ItemType = model.ItemInput
	case "composicoes":
		opts.ItemType = model.ItemComposition
	default:
		return "", spreadsheet.ParseOptions{}, ErrImportFilename
	}
	if len(parts) > 4 {
		if r, ok := model.ParseTaxRegime(parts[4]); ok {
			opts.TaxRegime = r
		}
	}
	return source, opts, nil
}

// ImportWatcher feeds files from one directory into the ingestion service.
type ImportWatcher struct {
	dir    string
	ingest service.IngestionService

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup

	// processed is called after every ingestion attempt; tests hook it.
	processed func(path string, err error)
}

func NewImportWatcher(dir string, ingest service.IngestionService) *ImportWatcher {
	return &ImportWatcher{dir: dir, ingest: ingest, timers: make(map[string]*time.Timer)}
}

// Start ingests the files already present, then watches for new or modified
// ones until ctx is done.
func (w *ImportWatcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("import_watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("import_watcher: watch %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("import_watcher: read %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(ctx, filepath.Join(w.dir, e.Name()))
		}
	}

	log.Info().Str("dir", w.dir).Msg("import_watcher: started")
	go func() {
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				w.stopTimers()
				log.Info().Msg("import_watcher: shutting down")
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				w.schedule(ctx, ev.Name)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("import_watcher: watcher error")
			}
		}
	}()
	return nil
}

// schedule debounces bursts of write events for the same path.
func (w *ImportWatcher) schedule(ctx context.Context, path string) {
	if !importExtensions[strings.ToLower(filepath.Ext(path))] {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok && t.Stop() {
		t.Reset(importDebounce)
		return
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(importDebounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.mu.Unlock()
		err := w.ImportFile(ctx, path)
		if w.processed != nil {
			w.processed(path, err)
		}
	})
	w.timers[path] = t
}

func (w *ImportWatcher) stopTimers() {
	w.mu.Lock()
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// ImportFile ingests one file synchronously.
func (w *ImportWatcher) ImportFile(ctx context.Context, path string) error {
	source, opts, err := ParseImportFilename(path)
	if err != nil {
		log.Warn().Str("file", path).Msg("import_watcher: skipping file with unexpected name")
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error().Err(err).Str("file", path).Msg("import_watcher: read failed")
		return err
	}
	resp, err := w.ingest.Ingest(ctx, source, data, opts)
	if err != nil {
		log.Error().Err(err).Str("file", path).Msg("import_watcher: ingestion failed")
		return err
	}
	log.Info().
		Str("file", filepath.Base(path)).
		Str("run_id", resp.RunID).
		Int64("inserted", resp.Inserted).
		Int("row_errors", len(resp.Errors)).
		Msg("import_watcher: file ingested")
	return nil
}
