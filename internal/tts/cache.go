package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Cache deduplicates synthesis per (phase, rendered text, voice) key. It may
// be shared process-wide: keys embed the rendered narration, so sessions with
// different variables never collide, while identical narration across
// sessions reuses one provider call.
//
// Misses are single-flight. Concurrent callers for the same key wait on the
// first caller's completion signal instead of issuing a duplicate paid call.
type Cache struct {
	synth  Synthesizer
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

type cacheEntry struct {
	ready chan struct{}
	audio Audio
}

// NewCache wraps synth (normally the retrying Adapter) with the shared cache.
func NewCache(synth Synthesizer, logger *slog.Logger) *Cache {
	c := &Cache{
		synth:   synth,
		logger:  logger.With(slog.String("component", "tts-cache")),
		entries: make(map[string]*cacheEntry),
	}
	meter := otel.Meter("github.com/omlabs/om-core/tts")
	var err error
	if c.hits, err = meter.Int64Counter("om.tts.cache.hits",
		metric.WithDescription("Synthesis requests served from cache")); err != nil {
		c.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if c.misses, err = meter.Int64Counter("om.tts.cache.misses",
		metric.WithDescription("Synthesis requests sent to the provider")); err != nil {
		c.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c
}

// Key derives the cache key from the phase id, rendered narration, and voice.
func Key(phaseIndex int, text, voice string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s", phaseIndex, text, voice)
	return hex.EncodeToString(h.Sum(nil))
}

// GetOrSynthesize returns the cached asset or performs a single synthesis.
// Synthesis failures degrade to a cached text-only marker asset; the session
// continues regardless. The error return is reserved for caller cancellation
// while waiting.
func (c *Cache) GetOrSynthesize(ctx context.Context, req Request) (Audio, error) {
	key := Key(req.PhaseIndex, req.Text, req.Voice)

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		c.mu.Unlock()
		if c.hits != nil {
			c.hits.Add(ctx, 1)
		}
		select {
		case <-entry.ready:
			return entry.audio, nil
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		}
	}
	entry := &cacheEntry{ready: make(chan struct{})}
	c.entries[key] = entry
	c.mu.Unlock()
	if c.misses != nil {
		c.misses.Add(ctx, 1)
	}

	// The synthesis itself is detached from the caller: if the originating
	// session disconnects mid-flight, the result still lands in the shared
	// cache for other sessions.
	audio, err := c.synth.Synthesize(context.WithoutCancel(ctx), req)
	if err != nil {
		c.logger.Warn("synthesis failed, degrading to text-only narration",
			slog.Int("phase", req.PhaseIndex),
			slog.String("error", err.Error()))
		audio = TextOnlyAudio(req.Text)
	}
	entry.audio = audio
	close(entry.ready)

	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	default:
	}
	return audio, nil
}

// Len reports the number of cached assets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
