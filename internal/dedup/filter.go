package dedup

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/database"
)

// Schema for the per-process simhash cache. Band columns are precomputed so
// the candidate lookup is a plain indexed equality scan.
const simhashSchema = `
CREATE TABLE IF NOT EXISTS simhash_cache (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    stock_code    TEXT NOT NULL,
    fingerprint   INTEGER NOT NULL,
    band0         INTEGER NOT NULL,
    band1         INTEGER NOT NULL,
    band2         INTEGER NOT NULL,
    band3         INTEGER NOT NULL,
    title_snippet TEXT NOT NULL,
    url           TEXT NOT NULL,
    created_ts    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_simhash_band0 ON simhash_cache(stock_code, band0);
CREATE INDEX IF NOT EXISTS idx_simhash_band1 ON simhash_cache(stock_code, band1);
CREATE INDEX IF NOT EXISTS idx_simhash_band2 ON simhash_cache(stock_code, band2);
CREATE INDEX IF NOT EXISTS idx_simhash_band3 ON simhash_cache(stock_code, band3);
CREATE INDEX IF NOT EXISTS idx_simhash_created ON simhash_cache(created_ts);
`

const (
	titleSnippetLen = 80
	janitorPeriod   = 1 * time.Hour
)

// Match describes the stored row an incoming item collided with.
type Match struct {
	ID           int64
	Distance     int
	TitleSnippet string
	URL          string
	CreatedAt    time.Time
}

// Config holds filter tunables.
type Config struct {
	HammingThreshold int    // match radius (default 3)
	TTLHours         int    // retention (default 48)
	DuplicateLogPath string // CSV log of dropped duplicates
}

// Filter is the SimHash duplicate filter. Dedup is best-effort: adapter
// errors are logged and reported as non-duplicate (fail-open).
type Filter struct {
	db  *database.DB
	cfg Config
	log zerolog.Logger

	csvMu sync.Mutex

	janitorStop chan struct{}
	janitorOnce sync.Once
}

// NewFilter creates a filter over its own sqlite database and starts the TTL
// janitor.
func NewFilter(db *database.DB, cfg Config, log zerolog.Logger) (*Filter, error) {
	if cfg.HammingThreshold <= 0 {
		cfg.HammingThreshold = 3
	}
	if cfg.TTLHours <= 0 {
		cfg.TTLHours = 48
	}

	if _, err := db.Conn().Exec(simhashSchema); err != nil {
		return nil, fmt.Errorf("failed to create simhash schema: %w", err)
	}

	f := &Filter{
		db:          db,
		cfg:         cfg,
		log:         log.With().Str("component", "dedup").Logger(),
		janitorStop: make(chan struct{}),
	}
	go f.janitor()
	return f, nil
}

// Check tests whether the item is a near-duplicate of a recently seen one.
// On a match the incoming item must be dropped by the caller; the stored row
// is returned and a CSV log line appended. On no match the fingerprint is
// inserted. Empty input yields no insert and reports non-duplicate.
func (f *Filter) Check(ctx context.Context, stockCode, title, content, url string) (*Match, error) {
	if title == "" && content == "" {
		return nil, nil
	}

	fp := Fingerprint(title, content)
	match, err := f.lookup(ctx, stockCode, fp)
	if err != nil {
		// Fail-open: dedup is best-effort.
		f.log.Error().Err(err).Str("stock_code", stockCode).Msg("simhash lookup failed, treating as non-duplicate")
		return nil, nil
	}

	if match != nil {
		f.logDuplicate(stockCode, title, url, match)
		return match, nil
	}

	if err := f.insert(ctx, stockCode, fp, title, url); err != nil {
		f.log.Error().Err(err).Str("stock_code", stockCode).Msg("simhash insert failed")
	}
	return nil, nil
}

func (f *Filter) lookup(ctx context.Context, stockCode string, fp int64) (*Match, error) {
	bands := Bands(fp)

	rows, err := f.db.Conn().QueryContext(ctx, `
		SELECT id, fingerprint, title_snippet, url, created_ts
		FROM simhash_cache
		WHERE stock_code = ?
		  AND (band0 = ? OR band1 = ? OR band2 = ? OR band3 = ?)
	`, stockCode, int64(bands[0]), int64(bands[1]), int64(bands[2]), int64(bands[3]))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cutoff := time.Now().Add(-time.Duration(f.cfg.TTLHours) * time.Hour).Unix()

	for rows.Next() {
		var (
			id, stored, createdTS int64
			snippet, url          string
		)
		if err := rows.Scan(&id, &stored, &snippet, &url, &createdTS); err != nil {
			return nil, err
		}
		if createdTS < cutoff {
			continue // expired but not yet swept
		}
		if d := HammingDistance(fp, stored); d <= f.cfg.HammingThreshold {
			return &Match{
				ID:           id,
				Distance:     d,
				TitleSnippet: snippet,
				URL:          url,
				CreatedAt:    time.Unix(createdTS, 0),
			}, nil
		}
	}
	return nil, rows.Err()
}

func (f *Filter) insert(ctx context.Context, stockCode string, fp int64, title, url string) error {
	bands := Bands(fp)
	snippet := truncateRunes(title, titleSnippetLen)
	_, err := f.db.Conn().ExecContext(ctx, `
		INSERT INTO simhash_cache (stock_code, fingerprint, band0, band1, band2, band3, title_snippet, url, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stockCode, fp, int64(bands[0]), int64(bands[1]), int64(bands[2]), int64(bands[3]), snippet, url, time.Now().Unix())
	return err
}

// logDuplicate appends one CSV line per dropped item.
func (f *Filter) logDuplicate(stockCode, title, url string, match *Match) {
	if f.cfg.DuplicateLogPath == "" {
		return
	}

	f.csvMu.Lock()
	defer f.csvMu.Unlock()

	file, err := os.OpenFile(f.cfg.DuplicateLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		f.log.Error().Err(err).Msg("failed to open duplicate log")
		return
	}
	defer file.Close()

	w := csv.NewWriter(file)
	_ = w.Write([]string{
		time.Now().Format(time.RFC3339),
		stockCode,
		title,
		url,
		strconv.Itoa(match.Distance),
		match.URL,
	})
	w.Flush()
}

// truncateRunes caps s at n runes. Korean titles are multi-byte; a byte
// index could split a rune mid-sequence.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// Sweep deletes rows older than the TTL. Exposed for tests and manual
// maintenance; the janitor calls it hourly.
func (f *Filter) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().Unix() - int64(f.cfg.TTLHours)*3600
	res, err := f.db.Conn().ExecContext(ctx, "DELETE FROM simhash_cache WHERE created_ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("simhash sweep failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (f *Filter) janitor() {
	ticker := time.NewTicker(janitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-f.janitorStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := f.Sweep(ctx); err == nil && n > 0 {
				f.log.Debug().Int64("removed", n).Msg("simhash janitor sweep")
			}
			cancel()
		}
	}
}

// Close stops the janitor.
func (f *Filter) Close() {
	f.janitorOnce.Do(func() { close(f.janitorStop) })
}
