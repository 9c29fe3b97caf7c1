// Package ratelimit owns the per-user submission throttle and the
// per-address email throttle consumed by the HTTP layer.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/cds-ctf/cds-server/pkg/cache"
	"github.com/cds-ctf/cds-server/pkg/errs"
)

const (
	submissionLimit  = 10
	submissionWindow = 60 * time.Second

	emailLimit  = 3
	emailWindow = 10 * time.Minute
)

// Limiter counts events in fixed windows over a shared TTL cache.
type Limiter struct {
	kv *cache.TTL
}

func New(kv *cache.TTL) *Limiter {
	return &Limiter{kv: kv}
}

// AllowSubmission admits at most 10 submissions per user per 60s.
// Exceeding returns a TooManyRequests error.
func (l *Limiter) AllowSubmission(userID int64) error {
	key := fmt.Sprintf("submission:%d", userID)
	if l.kv.Incr(key, submissionWindow) > submissionLimit {
		return errs.New(errs.TooManyRequests, "too many submissions, try again later")
	}
	return nil
}

// AllowEmail throttles outbound mail to one address.
func (l *Limiter) AllowEmail(address string) error {
	key := "email:" + address
	if l.kv.Incr(key, emailWindow) > emailLimit {
		return errs.New(errs.TooManyRequests, "too many emails to %s", address)
	}
	return nil
}
