package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/openai/openai-go/v3"
)

const (
	// MaxRetries はレート制限エラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff = 32 * time.Second
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("API key not set: please set EMBEDDING_API_KEY or LLM_API_KEY")

	// ErrInvalidResponseFormat は不正なレスポンス形式のエラー
	ErrInvalidResponseFormat = errors.New("invalid response format")

	// ErrMaxRetriesExceeded は最大リトライ回数を超過した場合のエラー
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// backoff はレート制限時の待機時間を計算する
type backoff struct {
	base time.Duration
	max  time.Duration
}

func defaultBackoff() backoff {
	return backoff{base: BaseBackoff, max: MaxBackoff}
}

func (b backoff) delay(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * b.base
	return min(d, b.max)
}

// retryOnRateLimit は 429 の間だけ fn を再試行する
func retryOnRateLimit[T any](ctx context.Context, b backoff, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(b.delay(attempt)):
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !isRateLimitError(err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}

	return false
}
