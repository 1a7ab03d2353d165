package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/solarcrm/reconciler/internal/delivery/offers"
)

const (
	keyPrefix = "delivery:status"
	indexKey  = keyPrefix + ":index"
)

var indexGroup singleflight.Group

// Cache keeps per-session dialog results and memos and the bulk delivery
// index in Redis. Memo entries are keyed by a per-contact version that is
// bumped whenever a save completes, so stale memos are never read again.
// A Cache without a client caches nothing.
type Cache struct {
	client     *redis.Client
	sessionTTL time.Duration
	indexTTL   time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, sessionTTL, indexTTL time.Duration) *Cache {
	return &Cache{client: client, sessionTTL: sessionTTL, indexTTL: indexTTL}
}

func versionKey(entityKey string) string { return keyPrefix + ":ver:" + entityKey }

func memoKey(sessionID string) string { return keyPrefix + ":memo:" + sessionID }

func dialogField(entityKey string) string { return "dialog:" + entityKey }

// RecordDialogResult stores the verified state of a contact for one list
// session. Other sessions keep classifying it from the index.
func (c *Cache) RecordDialogResult(ctx context.Context, sessionID, entityKey string, hasDeliveries bool) error {
	if c == nil || c.client == nil || sessionID == "" || entityKey == "" {
		return nil
	}
	value := "0"
	if hasDeliveries {
		value = "1"
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, memoKey(sessionID), dialogField(entityKey), value)
	pipe.Expire(ctx, memoKey(sessionID), c.sessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// DialogResult returns the dialog result stored in the session and
// whether one exists.
func (c *Cache) DialogResult(ctx context.Context, sessionID, entityKey string) (bool, bool, error) {
	if c == nil || c.client == nil || sessionID == "" || entityKey == "" {
		return false, false, nil
	}
	value, err := c.client.HGet(ctx, memoKey(sessionID), dialogField(entityKey)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return value == "1", true, nil
}

// Version returns the memo version of a contact; zero until its first save.
func (c *Cache) Version(ctx context.Context, entityKey string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, versionKey(entityKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

// Invalidate retires every memo held for the contact.
func (c *Cache) Invalidate(ctx context.Context, entityKey string) error {
	if c == nil || c.client == nil || entityKey == "" {
		return nil
	}
	return c.client.Incr(ctx, versionKey(entityKey)).Err()
}

func (c *Cache) memoField(ctx context.Context, entityKey string) (string, error) {
	ver, err := c.Version(ctx, entityKey)
	if err != nil {
		return "", err
	}
	return entityKey + ":" + strconv.FormatInt(ver, 10), nil
}

// Memo returns the result memoized for the contact in this list session.
func (c *Cache) Memo(ctx context.Context, sessionID, entityKey string) (Result, bool, error) {
	if c == nil || c.client == nil || sessionID == "" || entityKey == "" {
		return Result{}, false, nil
	}
	field, err := c.memoField(ctx, entityKey)
	if err != nil {
		return Result{}, false, err
	}
	payload, err := c.client.HGet(ctx, memoKey(sessionID), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return Result{}, false, nil
	}
	return res, true, nil
}

// StoreMemo memoizes a result for the rest of the list session.
func (c *Cache) StoreMemo(ctx context.Context, sessionID string, res Result) error {
	if c == nil || c.client == nil || sessionID == "" || res.Key == "" {
		return nil
	}
	field, err := c.memoField(ctx, res.Key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, memoKey(sessionID), field, raw)
	pipe.Expire(ctx, memoKey(sessionID), c.sessionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Index returns the cached delivery index, loading it once across
// concurrent callers when it is missing or expired.
func (c *Cache) Index(ctx context.Context, loader func(context.Context) (offers.Index, error)) (offers.Index, error) {
	if c != nil && c.client != nil {
		payload, err := c.client.Get(ctx, indexKey).Bytes()
		if err == nil {
			var idx offers.Index
			if err := json.Unmarshal(payload, &idx); err == nil {
				return idx, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			return offers.Index{}, err
		}
	}
	return c.RefreshIndex(ctx, loader)
}

// RefreshIndex reloads the delivery index and stores it.
func (c *Cache) RefreshIndex(ctx context.Context, loader func(context.Context) (offers.Index, error)) (offers.Index, error) {
	if loader == nil {
		return offers.Index{}, errors.New("status: index loader required")
	}
	ch := indexGroup.DoChan(indexKey, func() (interface{}, error) {
		// Shared by every waiter, so it must outlive the first caller.
		loadCtx := context.WithoutCancel(ctx)
		idx, err := loader(loadCtx)
		if err != nil {
			return nil, err
		}
		if c != nil && c.client != nil {
			raw, err := json.Marshal(idx)
			if err != nil {
				return nil, err
			}
			if err := c.client.Set(loadCtx, indexKey, raw, c.indexTTL).Err(); err != nil {
				return nil, fmt.Errorf("store delivery index: %w", err)
			}
		}
		return idx, nil
	})
	select {
	case <-ctx.Done():
		return offers.Index{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return offers.Index{}, res.Err
		}
		return res.Val.(offers.Index), nil
	}
}

// DropSession forgets every memo and dialog result of a list session.
func (c *Cache) DropSession(ctx context.Context, sessionID string) error {
	if c == nil || c.client == nil || strings.TrimSpace(sessionID) == "" {
		return nil
	}
	return c.client.Del(ctx, memoKey(sessionID)).Err()
}
