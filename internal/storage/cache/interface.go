package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss 缓存未命中或已过期
var ErrMiss = errors.New("cache: miss")

// Store 缓存存储接口；值按 JSON 序列化存取
type Store interface {
	// Set 设置缓存
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	// Get 获取缓存；未命中返回 ErrMiss
	Get(ctx context.Context, key string, dest interface{}) error
	// Delete 删除缓存
	Delete(ctx context.Context, key string) error
	// Exists 检查缓存是否存在
	Exists(ctx context.Context, key string) (bool, error)
	// Close 关闭缓存连接
	Close() error
}
