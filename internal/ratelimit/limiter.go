package ratelimit

import "context"

// Group identifies an exchange rate-limit group.
type Group string

const (
	// GroupQuotation covers public market data reads.
	GroupQuotation Group = "quotation"
	// GroupExchange covers orders and account endpoints.
	GroupExchange Group = "exchange"
)

// Limiter routes requests to the bucket of their group.
type Limiter struct {
	buckets map[Group]*Bucket
}

// NewLimiter creates a limiter with one bucket per group.
func NewLimiter(quotation, exchange BucketConfig) *Limiter {
	return &Limiter{
		buckets: map[Group]*Bucket{
			GroupQuotation: NewBucket(quotation),
			GroupExchange:  NewBucket(exchange),
		},
	}
}

// Bucket returns the bucket of a group. Unknown groups share the quotation bucket.
func (l *Limiter) Bucket(g Group) *Bucket {
	if b, ok := l.buckets[g]; ok {
		return b
	}
	return l.buckets[GroupQuotation]
}

// Take admits one request in group g.
func (l *Limiter) Take(ctx context.Context, g Group) error {
	return l.Bucket(g).Take(ctx)
}

// Stats returns a snapshot for every group.
func (l *Limiter) Stats() map[Group]Stats {
	out := make(map[Group]Stats, len(l.buckets))
	for g, b := range l.buckets {
		out[g] = b.Stats()
	}
	return out
}
