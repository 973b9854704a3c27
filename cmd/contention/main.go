// Command contention гоняет параллельные резервы последних единиц ресурса и
// проверяет, что хранилище и распределённая блокировка не допускают двойного
// резерва. Ненулевой код выхода означает найденное нарушение.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reservation-core/internal/clock"
	"github.com/vladislavdragonenkov/reservation-core/internal/domain"
	"github.com/vladislavdragonenkov/reservation-core/internal/lock"
	"github.com/vladislavdragonenkov/reservation-core/internal/service/reservation"
	"github.com/vladislavdragonenkov/reservation-core/internal/storage/memory"
	"github.com/vladislavdragonenkov/reservation-core/internal/storage/postgres"
)

const outcomeOK = "OK"

type config struct {
	driver     string
	dsn        string
	redisAddr  string
	kind       domain.ResourceKind
	workers    int
	units      int64
	rounds     int
	lockWait   time.Duration
	timeout    time.Duration
	outputPath string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type roundReport struct {
	ResourceID string           `json:"resource_id"`
	Granted    int64            `json:"granted"`
	Outcomes   map[string]int64 `json:"outcomes"`
	// Held — сколько единиц ресурс считает зарезервированными после раунда.
	Held      int64  `json:"held"`
	Violation string `json:"violation,omitempty"`
}

type report struct {
	StartedAt       time.Time        `json:"started_at"`
	DurationSeconds float64          `json:"duration_seconds"`
	Kind            string           `json:"kind"`
	Workers         int              `json:"workers"`
	Units           int64            `json:"units"`
	Attempts        int64            `json:"attempts"`
	Granted         int64            `json:"granted"`
	Violations      int              `json:"violations"`
	Outcomes        map[string]int64 `json:"outcomes"`
	LatencyMs       latencySummary   `json:"latency_ms"`
	Rounds          []roundReport    `json:"rounds"`
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	result, err := run(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("contention run failed")
	}

	printReport(os.Stdout, result)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			log.WithError(err).Fatal("write report failed")
		}
	}
	if result.Violations > 0 {
		os.Exit(1)
	}
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	var (
		cfg  config
		kind string
	)

	fs := flag.NewFlagSet("contention", flag.ContinueOnError)
	fs.StringVar(&cfg.driver, "driver", "memory", "storage driver: memory|postgres")
	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN (fallback: RSV_POSTGRES_DSN)")
	fs.StringVar(&cfg.redisAddr, "redis", "", "Redis address for distributed locks (fallback: RSV_REDIS_ADDR, empty uses in-process locks)")
	fs.StringVar(&kind, "kind", string(domain.ResourceKindStock), "resource kind: stock|coupon")
	fs.IntVar(&cfg.workers, "workers", 32, "concurrent reservation attempts per round")
	fs.Int64Var(&cfg.units, "units", 1, "stock quantity per round (coupon is always a single unit)")
	fs.IntVar(&cfg.rounds, "rounds", 5, "number of independent resources to race on")
	fs.DurationVar(&cfg.lockWait, "lock-wait", 3*time.Second, "max wait for the resource lock")
	fs.DurationVar(&cfg.timeout, "timeout", time.Minute, "overall run timeout")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report path")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.driver = strings.ToLower(strings.TrimSpace(cfg.driver))
	if cfg.dsn == "" {
		cfg.dsn = strings.TrimSpace(getenv("RSV_POSTGRES_DSN"))
	}
	if cfg.redisAddr == "" {
		cfg.redisAddr = strings.TrimSpace(getenv("RSV_REDIS_ADDR"))
	}
	cfg.kind = domain.ResourceKind(strings.ToLower(strings.TrimSpace(kind)))

	switch cfg.driver {
	case "memory":
	case "postgres":
		if cfg.dsn == "" {
			return config{}, errors.New("postgres driver requires -dsn or RSV_POSTGRES_DSN")
		}
	default:
		return config{}, fmt.Errorf("unsupported driver: %s", cfg.driver)
	}
	if !cfg.kind.Valid() {
		return config{}, fmt.Errorf("unsupported kind: %s", kind)
	}
	if cfg.kind == domain.ResourceKindCoupon {
		cfg.units = 1
	}
	if cfg.workers <= 0 || cfg.rounds <= 0 || cfg.units <= 0 {
		return config{}, errors.New("workers, rounds and units must be > 0")
	}
	if cfg.lockWait <= 0 || cfg.timeout <= 0 {
		return config{}, errors.New("lock-wait and timeout must be > 0")
	}
	return cfg, nil
}

// stack — собранные хранилище и сервис резервов.
type stack struct {
	storage domain.Storage
	service *reservation.Service
	close   func()
}

func buildStack(ctx context.Context, cfg config) (*stack, error) {
	var (
		storage domain.Storage
		closers []func()
	)

	switch cfg.driver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.dsn)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		storage = store
		closers = append(closers, func() { _ = store.Close() })
	default:
		storage = memory.NewStore()
	}

	var lockStore lock.Store = lock.NewMemoryStore(clock.NewRealClock())
	if cfg.redisAddr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.redisAddr}})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			for _, c := range closers {
				c()
			}
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		lockStore = lock.NewRedisStore(rdb)
		closers = append(closers, func() { _ = rdb.Close() })
	}

	logger := log.WithField("component", "contention")
	executor := lock.NewExecutor(lockStore,
		lock.WithWaitTimeout(cfg.lockWait),
		lock.WithLeaseTTL(cfg.lockWait*3),
		lock.WithLogger(logger),
	)

	return &stack{
		storage: storage,
		service: reservation.NewService(storage, executor, reservation.WithLogger(logger)),
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

func run(ctx context.Context, cfg config) (report, error) {
	st, err := buildStack(ctx, cfg)
	if err != nil {
		return report{}, err
	}
	defer st.close()

	return runContention(ctx, cfg, st.storage, st.service)
}

// runContention выполняет раунды: на каждый создаётся свежий ресурс, и все
// workers стартуют одновременно после закрытия общего барьера.
func runContention(ctx context.Context, cfg config, storage domain.Storage, svc *reservation.Service) (report, error) {
	startedAt := time.Now()
	result := report{
		StartedAt: startedAt.UTC(),
		Kind:      string(cfg.kind),
		Workers:   cfg.workers,
		Units:     cfg.units,
		Outcomes:  make(map[string]int64),
	}

	var latencies []float64
	for round := 0; round < cfg.rounds; round++ {
		resourceID := fmt.Sprintf("contention-%s", uuid.NewString())
		if err := seedResource(ctx, storage, cfg, resourceID); err != nil {
			return report{}, fmt.Errorf("seed %s: %w", resourceID, err)
		}

		rr, roundLatencies := raceRound(ctx, cfg, svc, resourceID)
		latencies = append(latencies, roundLatencies...)

		held, err := heldUnits(ctx, storage, cfg.kind, resourceID)
		if err != nil {
			return report{}, fmt.Errorf("inspect %s: %w", resourceID, err)
		}
		rr.Held = held
		rr.Violation = checkRound(cfg, rr)
		if rr.Violation != "" {
			result.Violations++
			log.WithFields(log.Fields{
				"resource_id": resourceID,
				"granted":     rr.Granted,
				"held":        rr.Held,
			}).Error(rr.Violation)
		}

		result.Attempts += int64(cfg.workers)
		result.Granted += rr.Granted
		for code, count := range rr.Outcomes {
			result.Outcomes[code] += count
		}
		result.Rounds = append(result.Rounds, rr)
	}

	result.DurationSeconds = time.Since(startedAt).Seconds()
	result.LatencyMs = buildLatencySummary(latencies)
	return result, nil
}

func raceRound(ctx context.Context, cfg config, svc *reservation.Service, resourceID string) (roundReport, []float64) {
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		start     = make(chan struct{})
		latencies = make([]float64, 0, cfg.workers)
		rr        = roundReport{ResourceID: resourceID, Outcomes: make(map[string]int64)}
	)

	for i := 0; i < cfg.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			<-start

			began := time.Now()
			_, err := svc.Reserve(ctx, domain.ReserveRequest{
				Kind:           cfg.kind,
				ResourceID:     resourceID,
				CorrelationKey: fmt.Sprintf("%s-order-%d", resourceID, worker),
				Amount:         1,
			})
			elapsed := float64(time.Since(began).Microseconds()) / 1000.0

			code := outcomeOK
			if err != nil {
				code = domain.FailureOf(err).Code
			}

			mu.Lock()
			defer mu.Unlock()
			latencies = append(latencies, elapsed)
			rr.Outcomes[code]++
			if err == nil {
				rr.Granted++
			}
		}(i)
	}

	close(start)
	wg.Wait()
	return rr, latencies
}

func seedResource(ctx context.Context, storage domain.Storage, cfg config, id string) error {
	now := time.Now().UTC()
	if cfg.kind == domain.ResourceKindCoupon {
		return storage.Coupons().Create(ctx, domain.Coupon{
			ID:        id,
			Status:    domain.ResourceStatusAvailable,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return storage.Stocks().Create(ctx, domain.Stock{
		ID:        id,
		Quantity:  cfg.units,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func heldUnits(ctx context.Context, storage domain.Storage, kind domain.ResourceKind, id string) (int64, error) {
	if kind == domain.ResourceKindCoupon {
		coupon, err := storage.Coupons().Get(ctx, id)
		if err != nil {
			return 0, err
		}
		if coupon.Status == domain.ResourceStatusReserved {
			return 1, nil
		}
		return 0, nil
	}
	stock, err := storage.Stocks().Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return stock.Reserved, nil
}

// checkRound возвращает описание нарушения или пустую строку.
func checkRound(cfg config, rr roundReport) string {
	switch {
	case rr.Granted > cfg.units:
		return fmt.Sprintf("double booking: granted %d of %d units", rr.Granted, cfg.units)
	case rr.Held != rr.Granted:
		return fmt.Sprintf("resource holds %d units but %d reservations were granted", rr.Held, rr.Granted)
	case rr.Granted < cfg.units && rr.Outcomes["INSUFFICIENT_AMOUNT"]+rr.Outcomes["INVALID_STATUS"] > 0:
		return fmt.Sprintf("units left unreserved (%d of %d) while attempts were rejected as exhausted", rr.Granted, cfg.units)
	}
	return ""
}

func printReport(w io.Writer, result report) {
	fmt.Fprintln(w, "Contention summary")
	fmt.Fprintf(w, "kind=%s workers=%d units=%d rounds=%d attempts=%d granted=%d violations=%d\n",
		result.Kind,
		result.Workers,
		result.Units,
		len(result.Rounds),
		result.Attempts,
		result.Granted,
		result.Violations,
	)
	fmt.Fprintf(w, "duration=%.2fs latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.DurationSeconds,
		result.LatencyMs.Min,
		result.LatencyMs.Avg,
		result.LatencyMs.P50,
		result.LatencyMs.P95,
		result.LatencyMs.P99,
		result.LatencyMs.Max,
	)

	codes := make([]string, 0, len(result.Outcomes))
	for code := range result.Outcomes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "%s: %d\n", code, result.Outcomes[code])
	}
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}
