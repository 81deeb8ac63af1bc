package llm

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// AnalysisType selects the cache TTL for a generation result.
type AnalysisType string

// Analysis types and their cache TTLs. Faster-moving analyses expire sooner.
const (
	AnalysisNews       AnalysisType = "news"
	AnalysisFlow       AnalysisType = "flow"
	AnalysisChart      AnalysisType = "chart"
	AnalysisDisclosure AnalysisType = "disclosure"
	AnalysisReport     AnalysisType = "report"
)

var analysisTTL = map[AnalysisType]time.Duration{
	AnalysisNews:       1800 * time.Second,
	AnalysisFlow:       3600 * time.Second,
	AnalysisChart:      7200 * time.Second,
	AnalysisDisclosure: 14400 * time.Second,
	AnalysisReport:     86400 * time.Second,
}

// TTLFor returns the cache TTL for an analysis type, falling back to def.
func TTLFor(t AnalysisType, def time.Duration) time.Duration {
	if ttl, ok := analysisTTL[t]; ok {
		return ttl
	}
	return def
}

// compressThreshold is the serialized size above which entries are gzipped
// before hitting Redis.
const compressThreshold = 1024

// cachedResult is the stored shape of one generation result.
type cachedResult struct {
	Text     string `msgpack:"text" json:"text"`
	Provider string `msgpack:"provider" json:"provider"`
}

// CacheKey derives the shared cache key from the full request identity.
func CacheKey(tag domain.ModelTag, prompt string, maxTokens int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", tag, prompt, maxTokens)))
	return "llm:" + hex.EncodeToString(h[:])[:32]
}

// resultCache is the two-tier result cache: shared Redis plus a process-local
// LRU. Cache failures are fail-open; generation proceeds without them.
type resultCache struct {
	redis *redis.Client // nil disables the shared tier
	local *lru.Cache[string, cachedResult]
	log   zerolog.Logger
}

func newResultCache(redisClient *redis.Client, localSize int, log zerolog.Logger) (*resultCache, error) {
	if localSize <= 0 {
		localSize = 500
	}
	local, err := lru.New[string, cachedResult](localSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}
	return &resultCache{
		redis: redisClient,
		local: local,
		log:   log.With().Str("component", "llm_cache").Logger(),
	}, nil
}

// get consults Redis first, then the local LRU. A Redis hit refreshes the
// local tier.
func (c *resultCache) get(ctx context.Context, key string) (cachedResult, bool) {
	if c.redis != nil {
		raw, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			if result, derr := decodeResult(raw); derr == nil {
				c.local.Add(key, result)
				return result, true
			} else {
				c.log.Warn().Err(derr).Str("key", key).Msg("undecodable cache entry, ignoring")
			}
		} else if err != redis.Nil {
			c.log.Warn().Err(err).Msg("redis get failed")
		}
	}

	if result, ok := c.local.Get(key); ok {
		return result, true
	}
	return cachedResult{}, false
}

// set stores the result in both tiers. Entries over 1KB are compressed.
func (c *resultCache) set(ctx context.Context, key string, result cachedResult, ttl time.Duration) {
	c.local.Add(key, result)

	if c.redis == nil {
		return
	}
	raw, err := encodeResult(result)
	if err != nil {
		c.log.Warn().Err(err).Msg("cache encode failed")
		return
	}
	if err := c.redis.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("redis set failed")
	}
}

// Encoding: msgpack preferred, JSON fallback; a one-byte format prefix plus
// a gzip marker keep decode unambiguous.
const (
	formatMsgpack byte = 'M'
	formatJSON    byte = 'J'
	flagPlain     byte = '0'
	flagGzip      byte = 'z'
)

func encodeResult(result cachedResult) ([]byte, error) {
	var payload []byte
	var format byte

	payload, err := msgpack.Marshal(result)
	if err == nil {
		format = formatMsgpack
	} else {
		payload, err = json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
		}
		format = formatJSON
	}

	flag := flagPlain
	if len(payload) > compressThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err == nil && zw.Close() == nil {
			payload = buf.Bytes()
			flag = flagGzip
		}
	}

	out := make([]byte, 0, len(payload)+2)
	out = append(out, format, flag)
	return append(out, payload...), nil
}

func decodeResult(raw []byte) (cachedResult, error) {
	var result cachedResult
	if len(raw) < 2 {
		return result, fmt.Errorf("%w: cache entry too short", domain.ErrSerialization)
	}
	format, flag, payload := raw[0], raw[1], raw[2:]

	if flag == flagGzip {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return result, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
		}
		payload, err = io.ReadAll(zr)
		if err != nil {
			return result, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
		}
	}

	switch format {
	case formatMsgpack:
		if err := msgpack.Unmarshal(payload, &result); err != nil {
			return result, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
		}
	case formatJSON:
		if err := json.Unmarshal(payload, &result); err != nil {
			return result, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
		}
	default:
		return result, fmt.Errorf("%w: unknown cache format %q", domain.ErrSerialization, format)
	}
	return result, nil
}
