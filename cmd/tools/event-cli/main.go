package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/annel0/voxel-terrain/internal/eventbus"
	"github.com/annel0/voxel-terrain/internal/world"
)

const (
	defaultNatsURL = "nats://127.0.0.1:4222"
	timeFormat     = "2006-01-02T15:04:05Z"
)

func main() {
	var (
		natsURL    = flag.String("url", defaultNatsURL, "NATS server URL")
		stream     = flag.String("stream", "VOXEL", "JetStream stream name")
		command    = flag.String("cmd", "tail", "Command: tail, stats")
		eventTypes = flag.String("types", "", "Event types filter (comma-separated)")
		sources    = flag.String("sources", "", "Event sources filter (comma-separated)")
		since      = flag.String("since", "1h", "Skip events older than this (e.g., 1h, 30m)")
		limit      = flag.Int("limit", 100, "Maximum number of events")
		follow     = flag.Bool("follow", false, "Follow new events (like tail -f)")
		window     = flag.Duration("window", 3*time.Second, "How long stats collects events")
	)
	flag.Parse()

	from, err := parseSinceTime(*since, time.Now())
	if err != nil {
		log.Fatalf("❌ Invalid since: %v", err)
	}

	bus, err := eventbus.NewJetStreamBus(*natsURL, *stream, 0)
	if err != nil {
		log.Fatalf("❌ Failed to connect to NATS: %v", err)
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	filter := eventbus.Filter{
		Types:   parseStringList(*eventTypes),
		Sources: parseStringList(*sources),
	}

	switch *command {
	case "tail":
		if err := tailEvents(ctx, bus, filter, &TailOptions{
			From:   from,
			Limit:  *limit,
			Follow: *follow,
		}); err != nil {
			log.Fatalf("❌ Tail failed: %v", err)
		}

	case "stats":
		if err := showStats(ctx, bus, filter, from, *window); err != nil {
			log.Fatalf("❌ Stats failed: %v", err)
		}

	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, stats")
		os.Exit(1)
	}
}

type TailOptions struct {
	From   time.Time
	Limit  int
	Follow bool
}

// tailEvents выводит события стрима, начиная с From
func tailEvents(ctx context.Context, bus eventbus.EventBus, filter eventbus.Filter, opts *TailOptions) error {
	fmt.Printf("🎬 Tailing events (limit: %d, follow: %v)\n", opts.Limit, opts.Follow)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		count int
	)
	sub, err := bus.Subscribe(ctx, filter, func(_ context.Context, ev *eventbus.Envelope) {
		if ev.Timestamp.Before(opts.From) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if !opts.Follow && count >= opts.Limit {
			return
		}
		printEvent(ev)
		count++
		if !opts.Follow && count >= opts.Limit {
			cancel()
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()

	mu.Lock()
	fmt.Printf("\n📊 Total events: %d\n", count)
	mu.Unlock()
	return nil
}

// showStats собирает события за окно и выводит количество по типам
func showStats(ctx context.Context, bus eventbus.EventBus, filter eventbus.Filter, from time.Time, window time.Duration) error {
	fmt.Println("📊 Event statistics")

	var (
		mu      sync.Mutex
		byType  = map[string]int{}
		total   int
		failed  = map[[2]int]int{}
		lastGen time.Time
	)
	sub, err := bus.Subscribe(ctx, filter, func(_ context.Context, ev *eventbus.Envelope) {
		if ev.Timestamp.Before(from) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		byType[ev.EventType]++
		total++
		switch ev.EventType {
		case world.EventChunkFailed:
			var e world.ChunkFailedEvent
			if ev.Decode(&e) == nil {
				failed[[2]int{e.X, e.Y}]++
			}
		case world.EventChunkGenerated:
			if ev.Timestamp.After(lastGen) {
				lastGen = ev.Timestamp
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(window):
	}
	sub.Unsubscribe()

	mu.Lock()
	defer mu.Unlock()

	fmt.Printf("Since: %s\n", from.UTC().Format(timeFormat))
	fmt.Printf("Total events: %d\n", total)
	fmt.Println("\nBy event type:")
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %s: %d events\n", t, byType[t])
	}
	if !lastGen.IsZero() {
		fmt.Printf("\nLast generation: %s\n", lastGen.UTC().Format(timeFormat))
	}
	if len(failed) > 0 {
		fmt.Println("\nFailing chunks:")
		for c, n := range failed {
			fmt.Printf("  (%d,%d): %d failures\n", c[0], c[1], n)
		}
	}
	return nil
}

// printEvent выводит событие в читаемом формате
func printEvent(ev *eventbus.Envelope) {
	fmt.Printf("[%s] %s [%s] %s\n",
		ev.Timestamp.Format("15:04:05"),
		ev.Source,
		ev.EventType,
		ev.ID)

	// Добавляем детали в зависимости от типа события
	switch ev.EventType {
	case world.EventChunkGenerated:
		var e world.ChunkGeneratedEvent
		if ev.Decode(&e) == nil {
			fmt.Printf("  Chunk: (%d,%d) LOD %d dims %v in %.2fms\n", e.X, e.Y, e.LOD, e.Dims, e.Millis)
		}
	case world.EventChunkFailed:
		var e world.ChunkFailedEvent
		if ev.Decode(&e) == nil {
			fmt.Printf("  Chunk: (%d,%d) LOD %d error: %s\n", e.X, e.Y, e.LOD, e.Error)
		}
	case world.EventShadowRebuilt:
		var e world.ShadowRebuiltEvent
		if ev.Decode(&e) == nil {
			fmt.Printf("  Focus: (%d,%d) slots %d/%d in %.2fms\n", e.FocusX, e.FocusY, e.Present, e.Slots, e.Millis)
		}
	}
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseSinceTime парсит относительное время типа "1h", "30m"
func parseSinceTime(since string, from time.Time) (time.Time, error) {
	if since == "" {
		return time.Time{}, nil
	}

	duration, err := time.ParseDuration(since)
	if err != nil {
		// Пробуем парсить как абсолютное время
		return time.Parse(timeFormat, since)
	}

	return from.Add(-duration), nil
}
