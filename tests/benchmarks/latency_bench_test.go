package benchmarks

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"omniman/internal/bootstrap"
	"omniman/internal/config"
	"omniman/internal/engine"
	"omniman/internal/ops"
	"omniman/internal/seed"
)

func setupBench(b *testing.B) (*bootstrap.App, context.Context) {
	b.Helper()
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(b.TempDir(), "bench.db")
	cfg.System.LogLevel = "WARN"
	cfg.Workers.Embedded = false
	cfg.Workers.SweepIntervalMin = 0
	cfg.Telemetry.EnableMetrics = false

	app, err := bootstrap.New(ctx, cfg, "bench")
	if err != nil {
		b.Fatalf("Failed to boot kernel: %v", err)
	}
	b.Cleanup(app.Close)

	if _, err := seed.Channels(ctx, app.Store, app.Logger); err != nil {
		b.Fatalf("Failed to seed channels: %v", err)
	}
	return app, ctx
}

// Modify latency on a constant-size session: one line, quantity toggled per
// iteration so every call takes the full pipeline and a rev bump.
func BenchmarkModify_SetQty(b *testing.B) {
	app, ctx := setupBench(b)

	price := int64(1000)
	sess, _, err := app.Engine.CreateSession(ctx, engine.CreateSessionParams{ChannelCode: "pos"})
	if err != nil {
		b.Fatalf("Failed to create session: %v", err)
	}
	sess, err = app.Engine.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
		ops.AddLine{SKU: "ESPRESSO", Qty: decimal.NewFromInt(1), UnitPriceQ: &price},
	})
	if err != nil {
		b.Fatalf("Failed to add line: %v", err)
	}
	lineID := sess.Items[0].LineID

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		qty := decimal.NewFromInt(int64(1 + i%5))
		if _, err := app.Engine.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
			ops.SetQty{LineID: lineID, Qty: qty},
		}); err != nil {
			b.Fatalf("Modify failed: %v", err)
		}
	}
}

// Commit throughput for the whole write path: open, add a line, seal.
func BenchmarkCommit_FullSession(b *testing.B) {
	app, ctx := setupBench(b)
	price := int64(900)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sess, _, err := app.Engine.CreateSession(ctx, engine.CreateSessionParams{ChannelCode: "pos"})
		if err != nil {
			b.Fatalf("Failed to create session: %v", err)
		}
		if _, err := app.Engine.Modify(ctx, sess.SessionKey, "pos", []ops.Op{
			ops.AddLine{SKU: "ESPRESSO", Qty: decimal.NewFromInt(2), UnitPriceQ: &price},
		}); err != nil {
			b.Fatalf("Modify failed: %v", err)
		}
		if _, err := app.Engine.Commit(ctx, sess.SessionKey, "pos", ""); err != nil {
			b.Fatalf("Commit failed: %v", err)
		}
	}
}
