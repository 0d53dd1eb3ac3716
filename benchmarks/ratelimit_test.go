package benchmarks

import (
	"context"
	"strconv"
	"testing"

	"github.com/randalmurphal/courier/pkg/courier/ratelimit"
)

// BenchmarkCanSend checks admission for one identity.
func BenchmarkCanSend(b *testing.B) {
	limiter := ratelimit.New()
	ctx := context.Background()
	limiter.RecordSent(ctx, "966500000001")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.CanSend(ctx, "966500000001")
	}
}

// BenchmarkRecordSent_ManyIdentities spreads sends over 1000 identities.
func BenchmarkRecordSent_ManyIdentities(b *testing.B) {
	limiter := ratelimit.New(ratelimit.WithLimits(ratelimit.Limits{PerMinute: 1 << 30, PerHour: 1 << 30, PerDay: 1 << 30}))
	ctx := context.Background()
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = "9665" + strconv.Itoa(10000000+i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := ids[i%len(ids)]
		if limiter.CanSend(ctx, id).Allowed {
			limiter.RecordSent(ctx, id)
		}
	}
}

// BenchmarkSweep sweeps a store holding 1000 identities.
func BenchmarkSweep(b *testing.B) {
	limiter := ratelimit.New()
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		limiter.RecordSent(ctx, strconv.Itoa(i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Sweep()
	}
}
