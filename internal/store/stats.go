package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// Stats is the per-type summary-statistics document maintained by the
// maintenance pass: an instantaneous queued gauge sampled per minute, and
// handled counters bucketed by hour and day. Old buckets are trimmed so
// the document stays bounded.
type Stats struct {
	Type    string           `json:"-"`
	Queued  map[string]int64 `json:"queued"`
	Hourly  map[string]int64 `json:"hourly"`
	Daily   map[string]int64 `json:"daily"`
	Created time.Time        `json:"-"`
	Updated time.Time        `json:"-"`
}

func newStats(typ string) *Stats {
	return &Stats{
		Type:   typ,
		Queued: map[string]int64{},
		Hourly: map[string]int64{},
		Daily:  map[string]int64{},
	}
}

func (st *Stats) ensure() {
	if st.Queued == nil {
		st.Queued = map[string]int64{}
	}
	if st.Hourly == nil {
		st.Hourly = map[string]int64{}
	}
	if st.Daily == nil {
		st.Daily = map[string]int64{}
	}
}

func bucketKey(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// SetQueued records the current queued amount, keyed by minute.
func (st *Stats) SetQueued(now time.Time, n int64) {
	st.ensure()
	st.Queued[bucketKey(now.Truncate(time.Minute))] = n
}

// AddHandled adds to the hourly and daily handled counters.
func (st *Stats) AddHandled(now time.Time, n int64) {
	st.ensure()
	hour := now.Truncate(time.Hour)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	st.Hourly[bucketKey(hour)] += n
	st.Daily[bucketKey(day)] += n
}

// Trim drops buckets older than each series' horizon.
func (st *Stats) Trim(now time.Time) {
	st.ensure()
	trimBefore(st.Queued, now.Add(-2*time.Hour))
	trimBefore(st.Hourly, now.Add(-50*time.Hour))
	trimBefore(st.Daily, now.Add(-62*24*time.Hour))
}

func trimBefore(m map[string]int64, horizon time.Time) {
	h := horizon.Unix()
	for k := range m {
		ts, err := strconv.ParseInt(k, 10, 64)
		if err != nil || ts < h {
			delete(m, k)
		}
	}
}

// MostRecentQueued returns the latest queued sample, or zero if none.
func (st *Stats) MostRecentQueued() int64 {
	var bestTS, bestVal int64
	for k, v := range st.Queued {
		ts, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		if ts >= bestTS {
			bestTS, bestVal = ts, v
		}
	}
	return bestVal
}

// HandledToday returns the current day bucket's handled count.
func (st *Stats) HandledToday(now time.Time) int64 {
	st.ensure()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return st.Daily[bucketKey(day)]
}

func (s *sqliteStore) GetStats(ctx context.Context, typ string) (*Stats, error) {
	var (
		doc     string
		created int64
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT statistics, created_at, updated_at FROM stats WHERE type = ?`, typ,
	).Scan(&doc, &created, &updated)
	if err != nil {
		// Missing row means no stats yet; callers get an empty document.
		st := newStats(typ)
		st.Created = time.Now()
		return st, nil
	}
	st := newStats(typ)
	if err := json.Unmarshal([]byte(doc), st); err != nil {
		return nil, err
	}
	st.Type = typ
	st.Created = time.UnixMilli(created)
	st.Updated = time.UnixMilli(updated)
	st.ensure()
	return st, nil
}

func (s *sqliteStore) PutStats(ctx context.Context, st *Stats) error {
	st.ensure()
	doc, err := json.Marshal(st)
	if err != nil {
		return err
	}
	now := time.Now()
	created := st.Created
	if created.IsZero() {
		created = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stats(type, statistics, created_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(type) DO UPDATE SET statistics = excluded.statistics, updated_at = excluded.updated_at`,
		st.Type, string(doc), created.UnixMilli(), now.UnixMilli(),
	)
	return err
}
