package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yourname/go-hitcounter/internal/events"
	"github.com/yourname/go-hitcounter/internal/geo"
	"github.com/yourname/go-hitcounter/internal/metrics"
	"github.com/yourname/go-hitcounter/internal/store"
)

const (
	MaxKeyLen        = 2048
	DefaultRetention = 180 * 24 * time.Hour
	defaultListLimit = 100
	maxListLimit     = 1000
)

var (
	ErrInvalidKey   = errors.New("missing or invalid url")
	ErrExcludedKey  = errors.New("url is not counted")
	ErrInvalidCount = errors.New("count must be a non-negative integer")
)

type Options struct {
	Retention    time.Duration
	PruneOnWrite bool
	ExcludedKeys []string
	// Publisher receives every recorded hit through a buffered channel; nil disables it.
	Publisher   events.Publisher
	EventBuffer int
	Now         func() time.Time
}

type Service struct {
	store        store.Store
	geo          geo.Classifier
	publisher    events.Publisher
	eventsCh     chan events.Hit
	retention    time.Duration
	pruneOnWrite bool
	excluded     map[string]struct{}
	now          func() time.Time
}

func NewService(s store.Store, classifier geo.Classifier, opts Options) *Service {
	if classifier == nil {
		classifier = geo.Static(geo.Other)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 10000
	}
	svc := &Service{
		store:        s,
		geo:          classifier,
		publisher:    opts.Publisher,
		retention:    opts.Retention,
		pruneOnWrite: opts.PruneOnWrite,
		excluded:     make(map[string]struct{}, len(opts.ExcludedKeys)),
		now:          opts.Now,
	}
	for _, k := range opts.ExcludedKeys {
		svc.excluded[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	if opts.Publisher != nil {
		svc.eventsCh = make(chan events.Hit, opts.EventBuffer)
	}
	return svc
}

// Retention is the access-event window; aggregates never reach further back.
func (s *Service) Retention() time.Duration {
	return s.retention
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > MaxKeyLen {
		return "", ErrInvalidKey
	}
	return key, nil
}

func (s *Service) countableKey(key string) (string, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	if _, ok := s.excluded[strings.ToLower(key)]; ok {
		return "", ErrExcludedKey
	}
	return key, nil
}

// RecordHit counts one access to key from clientIP and returns the new total.
// The geo lookup runs before the store transaction so no row is held while
// waiting on it.
func (s *Service) RecordHit(ctx context.Context, key, clientIP string) (int64, error) {
	key, err := s.countableKey(key)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, ErrExcludedKey) {
			reason = "excluded"
		}
		metrics.HitsRejected.WithLabelValues(reason).Inc()
		return 0, err
	}

	bucket := s.geo.Classify(ctx, clientIP)
	now := s.now()

	total, err := s.store.RecordHit(ctx, store.Hit{Key: key, Bucket: bucket, At: now})
	if err != nil {
		return 0, fmt.Errorf("recording hit: %w", err)
	}
	metrics.Hits.Inc()

	if s.pruneOnWrite {
		s.prune(ctx)
	}
	s.enqueue(events.Hit{Key: key, Bucket: bucket, Total: total, At: now})
	return total, nil
}

func (s *Service) Count(ctx context.Context, key string) (int64, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return 0, err
	}
	return s.store.Count(ctx, key)
}

func (s *Service) Countries(ctx context.Context, key string) (map[string]int64, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	return s.store.Countries(ctx, key)
}

// DailyAggregate returns per-day access counts for key over [now-since, now].
// since is clamped to the retention window. The result is sparse.
func (s *Service) DailyAggregate(ctx context.Context, key string, since time.Duration) ([]store.DailyCount, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	from, to := s.window(since)
	return s.store.DailyCounts(ctx, key, from, to)
}

// DenseDaily is DailyAggregate with every day of the window present.
func (s *Service) DenseDaily(ctx context.Context, key string, since time.Duration) ([]store.DailyCount, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	from, to := s.window(since)
	points, err := s.store.DailyCounts(ctx, key, from, to)
	if err != nil {
		return nil, err
	}
	return FillDaily(points, from, to), nil
}

func (s *Service) window(since time.Duration) (time.Time, time.Time) {
	if since <= 0 || since > s.retention {
		since = s.retention
	}
	now := s.now()
	return now.Add(-since), now
}

// SetCount overrides the total for key. It is not a hit.
func (s *Service) SetCount(ctx context.Context, key string, n int64) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if n < 0 {
		return ErrInvalidCount
	}
	if err := s.store.SetCount(ctx, key, n, s.now()); err != nil {
		return err
	}
	log.Info().Str("key", key).Int64("count", n).Msg("count overridden")
	return nil
}

// RemoveAll deletes the counter, its buckets and every access event for key.
func (s *Service) RemoveAll(ctx context.Context, key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := s.store.Remove(ctx, key); err != nil {
		return err
	}
	log.Info().Str("key", key).Msg("counter removed")
	return nil
}

func (s *Service) List(ctx context.Context, limit int) ([]store.Counter, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.List(ctx, limit)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Classify exposes the geo bucket for an address.
func (s *Service) Classify(ctx context.Context, ip string) string {
	return s.geo.Classify(ctx, ip)
}

// Prune deletes access events that fell out of the retention window.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	n, err := s.store.Prune(ctx, s.now().Add(-s.retention))
	if err != nil {
		metrics.PruneFailures.Inc()
		return 0, err
	}
	metrics.EventsPruned.Add(float64(n))
	return n, nil
}

func (s *Service) prune(ctx context.Context) {
	if _, err := s.Prune(ctx); err != nil {
		log.Warn().Err(err).Msg("prune access events")
	}
}

// RunPruner prunes on every tick until ctx is done.
func (s *Service) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.Prune(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("scheduled prune")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Msg("access events pruned")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) enqueue(h events.Hit) {
	if s.eventsCh == nil {
		return
	}
	select {
	case s.eventsCh <- h:
	default:
		// Drop if buffer full to keep the badge fast
		metrics.EventsDropped.Inc()
	}
}

// RunEventForwarder drains recorded hits into the publisher until ctx is done.
// Whatever is already buffered goes out in the same Publish call.
func (s *Service) RunEventForwarder(ctx context.Context) {
	if s.eventsCh == nil {
		return
	}
	batch := make([]events.Hit, 0, events.BatchSize)
	for {
		select {
		case h := <-s.eventsCh:
			batch = append(batch[:0], h)
		drain:
			for len(batch) < events.BatchSize {
				select {
				case h := <-s.eventsCh:
					batch = append(batch, h)
				default:
					break drain
				}
			}
			s.publish(ctx, batch)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) publish(ctx context.Context, batch []events.Hit) {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, batch...); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Add(float64(len(batch)))
		log.Error().Err(err).Int("count", len(batch)).Str("key", batch[0].Key).Msg("publish hits")
		return
	}
	metrics.EventsPublished.WithLabelValues("ok").Add(float64(len(batch)))
}
