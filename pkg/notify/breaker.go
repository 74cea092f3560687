package notify

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without contacting the endpoint while its breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常放行
	BreakerOpen                         // 熔断中
	BreakerHalfOpen                     // 试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	MaxFailures     int           // 连续失败多少次后熔断
	ResetTimeout    time.Duration // 熔断多久后进入半开
	HalfOpenMaxReqs int           // 半开状态允许的试探请求数
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, ResetTimeout: 60 * time.Second, HalfOpenMaxReqs: 1}
}

// Breaker guards one outbound destination.
type Breaker struct {
	cfg          BreakerConfig
	now          func() time.Time
	mu           sync.Mutex
	state        BreakerState
	failures     int
	lastFailure  time.Time
	halfOpenReqs int
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxReqs <= 0 {
		cfg.HalfOpenMaxReqs = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn if the breaker allows it and records the result.
func (b *Breaker) Do(fn func() error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) > b.cfg.ResetTimeout {
			b.state = BreakerHalfOpen
			b.halfOpenReqs = 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.halfOpenReqs < b.cfg.HalfOpenMaxReqs {
			b.halfOpenReqs++
			return true
		}
		return false
	}
	return false
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.halfOpenReqs = 0
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		// 半开试探失败，立即重新熔断
		b.state = BreakerOpen
		b.halfOpenReqs = 0
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats 获取熔断器统计信息
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"state":         b.state.String(),
		"failure_count": b.failures,
		"last_failure":  b.lastFailure,
		"max_failures":  b.cfg.MaxFailures,
		"reset_timeout": b.cfg.ResetTimeout.String(),
	}
}
