package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// pendingMarker помечает ключ, первое применение которого еще выполняется.
const pendingMarker = "__pending__"

// IdempotencyRepo реализует repository.IdempotencyRepository поверх Redis.
// Повторная доставка intent'а с тем же ключом не должна применяться второй раз
// (иначе сетевой ретрай VerifyCode тратит лишнюю попытку и может привести к lockout).
type IdempotencyRepo struct {
	client redis.UniversalClient
	prefix string
	ctx    context.Context
}

func NewIdempotencyRepo(client redis.UniversalClient) (*IdempotencyRepo, error) {
	if client == nil {
		return nil, fmt.Errorf("Redis client cannot be nil for IdempotencyRepo")
	}
	return &IdempotencyRepo{
		client: client,
		prefix: "idem:verification",
		ctx:    context.Background(),
	}, nil
}

// Claim регистрирует ключ. Если ключ уже был заявлен, возвращает replay=true
// вместе с сохраненным исходом первого применения.
// При ошибке Redis работаем в режиме fail-open: дедупликация отключается,
// но сам запрос не блокируется (как и в RateLimiter).
func (r *IdempotencyRepo) Claim(key string, ttl time.Duration) (string, bool, error) {
	fullKey := r.prefix + ":" + key

	ctx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
	defer cancel()

	set, err := r.client.SetNX(ctx, fullKey, pendingMarker, ttl).Result()
	if err != nil {
		log.Printf("[IdempotencyRepo] Redis error for key %s: %v. Skipping dedup (fail-open).", fullKey, err)
		return "", false, nil
	}
	if set {
		// Первое применение ключа
		return "", false, nil
	}

	outcome, err := r.client.Get(ctx, fullKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Ключ истек между SetNX и Get — считаем первым применением
			return "", false, nil
		}
		log.Printf("[IdempotencyRepo] Redis error for key %s: %v. Skipping dedup (fail-open).", fullKey, err)
		return "", false, nil
	}
	if outcome == pendingMarker {
		return "", true, nil
	}
	return outcome, true, nil
}

// StoreOutcome записывает исход первого применения ключа.
func (r *IdempotencyRepo) StoreOutcome(key, outcome string, ttl time.Duration) error {
	fullKey := r.prefix + ":" + key

	ctx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
	defer cancel()

	if err := r.client.Set(ctx, fullKey, outcome, ttl).Err(); err != nil {
		log.Printf("[IdempotencyRepo] Failed to store outcome for key %s: %v", fullKey, err)
		return err
	}
	return nil
}

// Release снимает pending-заявку незавершенного intent'а.
func (r *IdempotencyRepo) Release(key string) error {
	fullKey := r.prefix + ":" + key

	ctx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
	defer cancel()

	if err := r.client.Del(ctx, fullKey).Err(); err != nil {
		log.Printf("[IdempotencyRepo] Failed to release key %s: %v", fullKey, err)
		return err
	}
	return nil
}
