package cache

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/bradfitz/gomemcache/memcache"
)

// CachedClient marks target fingerprints as processed so that re-runs can
// skip them even when the CSV outputs are not shared between hosts.
type CachedClient interface {
	IsProcessed(gnis string) bool
	MarkProcessed(gnis string)
	Close()
}

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
	log    *slog.Logger
}

func NewMemcachedClient(cacheConfig *config.CacheConfig, log *slog.Logger) *MemcachedClient {
	log.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	servers := strings.Split(cacheConfig.Servers, ",")
	err := ss.SetServers(servers...)
	if err != nil {
		log.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
		log:    log,
	}
	c.log.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		log.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c.log.Info("connected to memcached!")

	return c
}

// IsProcessed treats any cache error as a miss. A flaky cache may cause a
// duplicate capture but must never drop a target.
func (mc *MemcachedClient) IsProcessed(gnis string) bool {
	_, err := mc.client.Get(processedKey(gnis))
	if err != nil {
		if !errors.Is(err, memcache.ErrCacheMiss) {
			mc.log.Warn("failed to check processed mark.", slog.String("gnis", gnis),
				slog.String("err", err.Error()))
		}
		return false
	}
	return true
}

func (mc *MemcachedClient) MarkProcessed(gnis string) {
	ttl := mc.cfg.TtlForProcessed
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	item := &memcache.Item{
		Key:        processedKey(gnis),
		Value:      []byte("1"),
		Expiration: int32(ttl.Seconds()),
	}
	if err := mc.client.Set(item); err != nil {
		mc.log.Error("failed to save processed mark.", slog.String("gnis", gnis),
			slog.String("err", err.Error()))
		return
	}
	mc.log.Debug("processed mark saved to cache.", slog.String("gnis", gnis))
}

func (mc *MemcachedClient) Close() {
	mc.log.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		mc.log.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

func processedKey(gnis string) string {
	return gnis + "-processed"
}
