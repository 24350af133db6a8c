/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redis_db

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/waldocoin/waldo/config"
)

// Redis wraps the universal client shared by the signer lock, the status feed and the
// eligibility cache.
type Redis struct {
	addresses []string
	client    redis.UniversalClient
}

// ParseRedisURL accepts docker style "host:port" addresses as well as redis:// and rediss://
// URLs, including password-only URLs that redis.ParseURL rejects.
func ParseRedisURL(rawURL string, skipTLSVerify bool) (*redis.Options, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	// Don't modify docker-style addresses (e.g. redis:6379)
	if strings.Count(rawURL, ":") == 1 && !strings.Contains(rawURL, "@") && !strings.Contains(rawURL, "//") {
		return &redis.Options{Addr: rawURL}, nil
	}

	// redis://password@host has no user separator
	if strings.HasPrefix(rawURL, "redis://") && strings.Contains(rawURL, "@") {
		parts := strings.SplitN(strings.TrimPrefix(rawURL, "redis://"), "@", 2)
		if len(parts) == 2 && !strings.Contains(parts[0], ":") {
			rawURL = fmt.Sprintf("redis://:%s@%s", parts[0], parts[1])
		}
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		host := rawURL
		var password string
		if at := strings.LastIndex(rawURL, "@"); at >= 0 {
			password = strings.TrimPrefix(rawURL[:at], "redis://")
			password = strings.TrimPrefix(password, ":")
			host = rawURL[at+1:]
		}
		opts = &redis.Options{Addr: host, Password: password}
	}

	if opts.TLSConfig != nil && skipTLSVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for self-signed managed redis
	}
	return opts, nil
}

// AsynqOpt converts the configured redis address into asynq connection options.
func AsynqOpt(cfg config.RedisConfig) (asynq.RedisClientOpt, error) {
	opts, err := ParseRedisURL(cfg.Dns, cfg.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %w", err)
	}
	return asynq.RedisClientOpt{
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}, nil
}

// NewRedisClient connects to a single instance, or to a cluster when more than one address
// is given, and pings it before returning.
func NewRedisClient(addresses []string, skipTLSVerify bool) (*Redis, error) {
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}

	var client redis.UniversalClient
	if len(addresses) == 1 {
		opts, err := ParseRedisURL(addresses[0], skipTLSVerify)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opts)
	} else {
		var clusterAddrs []string
		var password string
		var tlsConfig *tls.Config
		for _, addr := range addresses {
			opts, err := ParseRedisURL(addr, skipTLSVerify)
			if err != nil {
				return nil, err
			}
			clusterAddrs = append(clusterAddrs, opts.Addr)
			if password == "" {
				password = opts.Password
			}
			if opts.TLSConfig != nil && tlsConfig == nil {
				tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: skipTLSVerify} // #nosec G402
			}
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:     clusterAddrs,
			Password:  password,
			TLSConfig: tlsConfig,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{addresses: addresses, client: client}, nil
}

// NewFromConfig is NewRedisClient for the configured address.
func NewFromConfig(cfg config.RedisConfig) (*Redis, error) {
	return NewRedisClient([]string{cfg.Dns}, cfg.SkipTLSVerify)
}

// Client returns the Redis universal client.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

func (r *Redis) Close() error {
	return r.client.Close()
}
