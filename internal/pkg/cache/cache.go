package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mealbridge/MealBridge/internal/pkg/env"
	"github.com/redis/go-redis/v9"
)

var (
	client *redis.Client
	ctx    = context.Background()
)

// SetupCache initializes the connection to the Redis/Dragonfly cache server
func SetupCache() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	// Test the connection
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Printf("Warning: Could not connect to cache: %v", err)
	} else {
		log.Printf("Successfully connected to cache: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Set stores a value in the cache with the given key and expiration time
func Set(key string, value interface{}, expiration time.Duration) error {
	return GetClient().Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value from the cache by key
func Get(key string) (string, error) {
	return GetClient().Get(ctx, key).Result()
}

// Delete removes a value from the cache by key
func Delete(key string) error {
	return GetClient().Del(ctx, key).Err()
}

// AcquireLock takes a best-effort distributed lock via SETNX. It returns
// true when this process holds the lock for the given TTL. Callers must
// tolerate a false return (another instance is running the same task).
func AcquireLock(key, holder string, ttl time.Duration) (bool, error) {
	return GetClient().SetNX(ctx, key, holder, ttl).Result()
}

// ReleaseLock releases a lock previously acquired by AcquireLock. Only the
// holder's value is removed so an expired-and-reacquired lock stays intact.
func ReleaseLock(key, holder string) error {
	val, err := GetClient().Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if val != holder {
		return nil
	}
	return GetClient().Del(ctx, key).Err()
}
