package benchmarks

import (
	"context"
	"testing"

	"github.com/randalmurphal/courier/pkg/courier/command"
)

// BenchmarkClassify_Miss scans the whole keyword table.
func BenchmarkClassify_Miss(b *testing.B) {
	router := command.NewRouter(command.Config{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		router.Classify("nothing in this sentence matches any keyword at all")
	}
}

// BenchmarkClassify_Arabic matches an Arabic greeting.
func BenchmarkClassify_Arabic(b *testing.B) {
	router := command.NewRouter(command.Config{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		router.Classify("السلام عليكم ورحمة الله")
	}
}

// BenchmarkHandle runs classification and the reply handler.
func BenchmarkHandle(b *testing.B) {
	router := command.NewRouter(command.Config{})
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		router.Handle(ctx, "966500000001", "help")
	}
}
