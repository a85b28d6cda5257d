package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/subflowhq/subflow/app/repository"
	"github.com/subflowhq/subflow/internal/pkg/cache"
)

const (
	eventsIndexedKey    = "relayer:counters:events_indexed"
	chargesSucceededKey = "relayer:counters:charges_succeeded"
	chargesSoftFailKey  = "relayer:counters:charges_soft_fail"
	chargesHardFailKey  = "relayer:counters:charges_hard_fail"
)

// AddEventsIndexed increments the pending indexed-event counter for a chain in Redis
func AddEventsIndexed(chainID uint64, n int64) error {
	return incr(eventsIndexedKey, chainID, n)
}

// AddChargeSucceeded increments the pending success counter for a chain in Redis
func AddChargeSucceeded(chainID uint64) error {
	return incr(chargesSucceededKey, chainID, 1)
}

// AddChargeSoftFail increments the pending soft-failure counter for a chain in Redis
func AddChargeSoftFail(chainID uint64) error {
	return incr(chargesSoftFailKey, chainID, 1)
}

// AddChargeHardFail increments the pending hard-failure counter for a chain in Redis
func AddChargeHardFail(chainID uint64) error {
	return incr(chargesHardFailKey, chainID, 1)
}

func incr(key string, chainID uint64, n int64) error {
	ctx := context.Background()
	field := strconv.FormatUint(chainID, 10)
	return cache.GetClient().HIncrBy(ctx, key, field, n).Err()
}

// FlushAll drains all pending counters into the chain_stats table.
func FlushAll(stats repository.StatsRepository) error {
	indexed, err := drain(eventsIndexedKey)
	if err != nil {
		return err
	}
	succeeded, err := drain(chargesSucceededKey)
	if err != nil {
		return err
	}
	soft, err := drain(chargesSoftFailKey)
	if err != nil {
		return err
	}
	hard, err := drain(chargesHardFailKey)
	if err != nil {
		return err
	}

	chains := map[uint64]struct{}{}
	for c := range indexed {
		chains[c] = struct{}{}
	}
	for c := range succeeded {
		chains[c] = struct{}{}
	}
	for c := range soft {
		chains[c] = struct{}{}
	}
	for c := range hard {
		chains[c] = struct{}{}
	}

	for chainID := range chains {
		if err := stats.ApplyDeltas(chainID, indexed[chainID], succeeded[chainID], soft[chainID], hard[chainID]); err != nil {
			return err
		}
	}
	return nil
}

// drain atomically moves a counter hash aside and parses it. RENAME to a
// temporary key avoids losing increments that land mid-flush.
func drain(redisKey string) (map[uint64]int64, error) {
	ctx := context.Background()
	rdb := cache.GetClient()

	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", redisKey, tmpKey).Err(); err != nil {
		// Key absent means nothing to flush
		return map[uint64]int64{}, nil
	}
	defer rdb.Del(ctx, tmpKey)

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[uint64]int64, len(data))
	for field, raw := range data {
		chainID, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out[chainID] = n
	}
	return out, nil
}
