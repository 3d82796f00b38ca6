// Package knowledge is the read-mostly document store behind MENU_SEARCH.
// Documents are split into paragraphs and indexed by term in BadgerDB.
package knowledge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/harunnryd/callbridge/pkg/commands"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
)

const (
	docPrefix  = "doc/"
	termPrefix = "term/"
)

type Options struct {
	// Dir is the badger data directory. Required unless InMemory is set.
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

type Store struct {
	db  *badger.DB
	log *slog.Logger
}

var _ commands.Searcher = (*Store)(nil)

type document struct {
	Text  string         `json:"text"`
	Terms map[string]int `json:"terms"`
}

func Open(opts Options) (*Store, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Dir) == "" {
		return nil, errorsx.Wrap(errors.New("knowledge: dir is required for on-disk mode"), errorsx.ReasonKnowledgeStore)
	}
	log := logging.NewComponentLogger(opts.Logger, "knowledge")
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{log: log})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, errorsx.Wrapf(errorsx.ReasonKnowledgeStore, "knowledge: open: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ingest replaces every paragraph previously stored under source with the
// paragraphs of text. It returns the number of paragraphs indexed.
func (s *Store) Ingest(ctx context.Context, source, text string) (int, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return 0, errors.New("knowledge: source is required")
	}
	if err := s.removeSource(ctx, source); err != nil {
		return 0, err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	count := 0
	for idx, para := range paragraphs(text) {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		doc := document{Text: para, Terms: terms(para)}
		raw, err := json.Marshal(doc)
		if err != nil {
			return count, err
		}
		if err := wb.Set(docKey(source, idx), raw); err != nil {
			return count, errorsx.Wrap(err, errorsx.ReasonKnowledgeStore)
		}
		for term, freq := range doc.Terms {
			if err := wb.Set(termKey(term, source, idx), binary.AppendUvarint(nil, uint64(freq))); err != nil {
				return count, errorsx.Wrap(err, errorsx.ReasonKnowledgeStore)
			}
		}
		count++
	}
	if err := wb.Flush(); err != nil {
		return count, errorsx.Wrapf(errorsx.ReasonKnowledgeStore, "knowledge: flush %s: %w", source, err)
	}
	s.log.Info("knowledge_ingested", "source", source, "paragraphs", count)
	return count, nil
}

// IngestDir ingests every .txt and .md file in dir, keyed by file name
// without extension.
func (s *Store) IngestDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("knowledge: read dir: %w", err)
	}
	total := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".txt" && ext != ".md" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return total, fmt.Errorf("knowledge: read %s: %w", entry.Name(), err)
		}
		n, err := s.Ingest(ctx, strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())), string(raw))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type hit struct {
	source  string
	idx     int
	matched int
	freq    uint64
}

// Search ranks paragraphs by how many distinct query terms they contain,
// then by total term frequency. Ties keep source and paragraph order.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]commands.SearchResult, error) {
	qterms := terms(query)
	if len(qterms) == 0 {
		return nil, nil
	}
	hits := make(map[string]*hit)
	var results []commands.SearchResult
	err := s.db.View(func(txn *badger.Txn) error {
		for term := range qterms {
			if err := ctx.Err(); err != nil {
				return err
			}
			prefix := []byte(termPrefix + term + "/")
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = prefix
			it := txn.NewIterator(iterOpts)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				source, idx, ok := splitTail(string(item.Key()[len(prefix):]))
				if !ok {
					continue
				}
				val, err := item.ValueCopy(nil)
				if err != nil {
					it.Close()
					return err
				}
				freq, _ := binary.Uvarint(val)
				key := string(docKey(source, idx))
				h := hits[key]
				if h == nil {
					h = &hit{source: source, idx: idx}
					hits[key] = h
				}
				h.matched++
				h.freq += freq
			}
			it.Close()
		}

		ranked := make([]*hit, 0, len(hits))
		for _, h := range hits {
			ranked = append(ranked, h)
		}
		sort.Slice(ranked, func(i, j int) bool {
			a, b := ranked[i], ranked[j]
			if a.matched != b.matched {
				return a.matched > b.matched
			}
			if a.freq != b.freq {
				return a.freq > b.freq
			}
			if a.source != b.source {
				return a.source < b.source
			}
			return a.idx < b.idx
		})
		if limit > 0 && len(ranked) > limit {
			ranked = ranked[:limit]
		}
		for _, h := range ranked {
			item, err := txn.Get(docKey(h.source, h.idx))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var doc document
			if err := json.Unmarshal(raw, &doc); err != nil {
				return err
			}
			results = append(results, commands.SearchResult{Source: h.source, Text: doc.Text})
		}
		return nil
	})
	if err != nil {
		return nil, errorsx.Wrapf(errorsx.ReasonKnowledgeStore, "knowledge: search: %w", err)
	}
	return results, nil
}

// Sources lists the ingested source names.
func (s *Store) Sources() ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = []byte(docPrefix)
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(iterOpts.Prefix); it.ValidForPrefix(iterOpts.Prefix); it.Next() {
			source, _, ok := splitTail(string(it.Item().Key()[len(docPrefix):]))
			if !ok {
				continue
			}
			if _, dup := seen[source]; !dup {
				seen[source] = struct{}{}
				out = append(out, source)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) removeSource(ctx context.Context, source string) error {
	prefix := []byte(docPrefix + source + "/")
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			_, idx, ok := splitTail(string(item.Key()[len(docPrefix):]))
			if !ok {
				continue
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var doc document
			if err := json.Unmarshal(raw, &doc); err != nil {
				return err
			}
			keys = append(keys, item.KeyCopy(nil))
			for term := range doc.Terms {
				keys = append(keys, termKey(term, source, idx))
			}
		}
		return nil
	})
	if err != nil {
		return errorsx.Wrapf(errorsx.ReasonKnowledgeStore, "knowledge: scan %s: %w", source, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonKnowledgeStore)
		}
	}
	return wb.Flush()
}

func docKey(source string, idx int) []byte {
	return []byte(docPrefix + source + "/" + strconv.Itoa(idx))
}

func termKey(term, source string, idx int) []byte {
	return []byte(termPrefix + term + "/" + source + "/" + strconv.Itoa(idx))
}

// splitTail parses "<source>/<idx>".
func splitTail(tail string) (string, int, bool) {
	cut := strings.LastIndexByte(tail, '/')
	if cut <= 0 {
		return "", 0, false
	}
	idx, err := strconv.Atoi(tail[cut+1:])
	if err != nil {
		return "", 0, false
	}
	return tail[:cut], idx, true
}

// badgerLogger routes badger output to slog, dropping info and debug chatter.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error("knowledge_badger_error", "message", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn("knowledge_badger_warning", "message", strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
