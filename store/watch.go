package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchPollInterval is the fallback poll period for the change journal. The
// filesystem watch on the database usually wakes the poller much sooner.
const watchPollInterval = 250 * time.Millisecond

// Watch delivers change events written by other processes until ctx is
// cancelled. Events made through this store (matching its origin id) are
// filtered out, so a process's own saves never invalidate its own cache.
//
// Delivery is best-effort and ordered by journal sequence. There is an
// inherent window between a remote write's durability and delivery here;
// the substrate documents that window as acceptable staleness.
func (s *SQLiteStore) Watch(ctx context.Context, fn func(ChangeEvent)) error {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM changes").Scan(&cursor)
	if err != nil {
		return fmt.Errorf("reading journal cursor: %w", err)
	}

	wake := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		// Watch the directory: the -wal file appears and disappears as
		// other processes write and checkpoint.
		if werr := watcher.Add(filepath.Dir(s.path)); werr != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	if watcher != nil {
		go func() {
			defer watcher.Close()
			base := filepath.Base(s.path)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if strings.HasPrefix(filepath.Base(ev.Name), base) {
						select {
						case wake <- struct{}{}:
						default:
						}
					}
				case _, ok := <-watcher.Errors:
					if !ok {
						return
					}
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(watchPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-wake:
			}
			next, err := s.drainJournal(ctx, cursor, fn)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Errorf("change feed poll: %v", err)
				continue
			}
			cursor = next
		}
	}()

	return nil
}

// drainJournal delivers every foreign journal entry past the cursor and
// returns the new cursor position.
func (s *SQLiteStore) drainJournal(ctx context.Context, cursor int64, fn func(ChangeEvent)) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, op, object_id, origin FROM changes WHERE seq > ? ORDER BY seq", cursor)
	if err != nil {
		return cursor, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	type entry struct {
		op     string
		id     int64
		origin string
	}
	var pending []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&cursor, &e.op, &e.id, &e.origin); err != nil {
			return cursor, fmt.Errorf("scanning journal row: %w", err)
		}
		pending = append(pending, e)
	}
	if err := rows.Err(); err != nil {
		return cursor, err
	}

	// Deliver outside the query so fn can safely call back into the store.
	for _, e := range pending {
		if e.origin == s.origin {
			continue
		}
		fn(ChangeEvent{Op: ChangeOp(e.op), ID: e.id})
	}
	return cursor, nil
}

// PruneJournal removes journal entries older than the given age. Intended
// for periodic maintenance; watchers only ever read forward.
func (s *SQLiteStore) PruneJournal(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM changes WHERE at < ?", time.Now().Add(-olderThan).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
