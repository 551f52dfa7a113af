package counter

import (
	"context"
	"strconv"

	"github.com/rafflrhq/rafflr/internal/pkg/cache"
)

const (
	webhooksReceivedKey  = "webhooks:counters:received"
	webhooksDuplicateKey = "webhooks:counters:duplicate"
	webhooksRejectedKey  = "webhooks:counters:rejected"
	webhooksFailedKey    = "webhooks:counters:failed"
)

// AddWebhookReceived increments the received counter for a provider in Redis
func AddWebhookReceived(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, webhooksReceivedKey, provider, 1).Err()
}

// AddWebhookDuplicate increments the duplicate-delivery counter for a provider
func AddWebhookDuplicate(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, webhooksDuplicateKey, provider, 1).Err()
}

// AddWebhookRejected increments the rejected counter (bad signature or
// malformed payload) for a provider
func AddWebhookRejected(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, webhooksRejectedKey, provider, 1).Err()
}

// AddWebhookFailed increments the processing-failure counter for a provider
func AddWebhookFailed(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, webhooksFailedKey, provider, 1).Err()
}

// Snapshot returns all webhook counters grouped by outcome and provider.
func Snapshot() (map[string]map[string]int64, error) {
	ctx := context.Background()
	rdb := cache.GetClient()

	out := make(map[string]map[string]int64, 4)
	keys := map[string]string{
		"received":  webhooksReceivedKey,
		"duplicate": webhooksDuplicateKey,
		"rejected":  webhooksRejectedKey,
		"failed":    webhooksFailedKey,
	}
	for name, key := range keys {
		data, err := rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		group := make(map[string]int64, len(data))
		for provider, v := range data {
			n, perr := strconv.ParseInt(v, 10, 64)
			if perr != nil {
				continue
			}
			group[provider] = n
		}
		out[name] = group
	}
	return out, nil
}
