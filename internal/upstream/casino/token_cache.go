package casino

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gcashpay/internal/model"
)

// ============================================================================
// 令牌缓存
// ============================================================================
//
// 每个总代账号持有一个短期 bearer 令牌。上游登录接口有限流，
// 缓存的目标是把登录调用压到最少：
//
// 1. 内存缓存按总代维度持有 {token, expiry}
// 2. 刷新按总代互斥 —— 同一总代的并发调用方等待同一次在途登录，
//    而不是各自发起登录（防止限流和会话挤占）；不同总代互不阻塞
// 3. 令牌同时落库，进程重启后仍在有效期内的令牌直接复用
// 4. 到期判断带安全余量，临近到期的令牌视同已过期
//
// ============================================================================

// 到期安全余量：距离到期不足该值的令牌视同已过期
const tokenExpiryMargin = 60 * time.Second

// CredentialStore 总代凭据的持久化接口（白名单校验 + 令牌落库）
type CredentialStore interface {
	GetByUsername(ctx context.Context, username string) (*model.TopManager, error)
	SaveToken(ctx context.Context, username, token string, expiry time.Time) error
	ClearToken(ctx context.Context, username string) error
}

type tokenEntry struct {
	mu     sync.Mutex // 按总代互斥的刷新锁
	token  string
	expiry time.Time
}

// TokenCache 总代令牌缓存
type TokenCache struct {
	store CredentialStore
	login func(ctx context.Context, username, password string) (*LoginResult, error)

	mu      sync.Mutex
	entries map[string]*tokenEntry
}

func NewTokenCache(client *Client, store CredentialStore) *TokenCache {
	return &TokenCache{
		store:   store,
		login:   client.Login,
		entries: make(map[string]*tokenEntry),
	}
}

func (tc *TokenCache) entry(holder string) *tokenEntry {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	e, ok := tc.entries[holder]
	if !ok {
		e = &tokenEntry{}
		tc.entries[holder] = e
	}
	return e
}

// GetToken 返回指定总代的有效令牌，必要时刷新
//
// 不在白名单内的总代直接报错，不会尝试登录。
// 刷新失败时清空内存和持久化副本，错误原样上抛，绝不伪造令牌。
func (tc *TokenCache) GetToken(ctx context.Context, holder string) (string, error) {
	e := tc.entry(holder)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.token != "" && now.Add(tokenExpiryMargin).Before(e.expiry) {
		return e.token, nil
	}

	// 白名单校验（也取回登录凭据和持久化的令牌副本）
	tm, err := tc.store.GetByUsername(ctx, holder)
	if err != nil {
		return "", err
	}

	// 持久化副本仍然有效则直接复用（进程重启场景，省一次登录）
	if tm.CachedToken != "" && tm.TokenExpiry != nil &&
		now.Add(tokenExpiryMargin).Before(*tm.TokenExpiry) {
		e.token = tm.CachedToken
		e.expiry = *tm.TokenExpiry
		return e.token, nil
	}

	result, err := tc.login(ctx, tm.Username, tm.Password)
	if err != nil {
		e.token = ""
		e.expiry = time.Time{}
		if clearErr := tc.store.ClearToken(ctx, holder); clearErr != nil {
			log.Printf("[TokenCache] 清除持久化令牌失败: holder=%s, err=%v", holder, clearErr)
		}
		return "", fmt.Errorf("总代登录失败: %w", err)
	}

	e.token = result.Token
	e.expiry = result.ExpiresAt
	if saveErr := tc.store.SaveToken(ctx, holder, result.Token, result.ExpiresAt); saveErr != nil {
		// 落库失败不影响本次令牌使用，只是重启后需要重新登录
		log.Printf("[TokenCache] 持久化令牌失败: holder=%s, err=%v", holder, saveErr)
	}

	return e.token, nil
}

// Invalidate 令牌失效（上游返回 401 等场景），下次 GetToken 强制刷新
func (tc *TokenCache) Invalidate(ctx context.Context, holder string) {
	e := tc.entry(holder)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.token = ""
	e.expiry = time.Time{}
	if err := tc.store.ClearToken(ctx, holder); err != nil {
		log.Printf("[TokenCache] 清除持久化令牌失败: holder=%s, err=%v", holder, err)
	}
}
