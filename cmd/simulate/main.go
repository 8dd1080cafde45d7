// simulate drives concurrent booking traffic against a running api-server to
// exercise the slot-exclusivity guarantee: many workers race for a small set
// of slots and the report verifies each slot was won at most once.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/booking-engine/internal/booking"
	"github.com/medibook/booking-engine/internal/config"
	"github.com/medibook/booking-engine/internal/db"
)

type SimConfig struct {
	APIBaseURL   string
	Workers      int
	TargetSlots  int
	PatientLimit int
	PostgresDSN  string
}

type targetSlot struct {
	DoctorID uuid.UUID
	Date     string
	Time     string
}

type Metrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
	winners   map[targetSlot]int
}

func (m *Metrics) Record(slot targetSlot, latency time.Duration, status int) {
	atomic.AddInt64(&m.Total, 1)
	switch {
	case status == http.StatusCreated:
		atomic.AddInt64(&m.Success, 1)
		m.mu.Lock()
		m.winners[slot]++
		m.mu.Unlock()
	case status == http.StatusConflict:
		atomic.AddInt64(&m.Conflict, 1)
	default:
		atomic.AddInt64(&m.Error, 1)
	}

	m.mu.Lock()
	m.latencies = append(m.latencies, latency)
	m.mu.Unlock()
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Workers:      getInt("SIM_WORKERS", 50),
		TargetSlots:  getInt("SIM_TARGET_SLOTS", 10),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 1000),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	doctors, err := loadIDs(ctx, pgPool, `SELECT id FROM doctors WHERE active LIMIT $1`, cfg.TargetSlots)
	if err != nil {
		log.Fatalf("load doctors: %v", err)
	}
	patients, err := loadIDs(ctx, pgPool, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		log.Fatalf("load patients: %v", err)
	}
	clinics, err := loadIDs(ctx, pgPool, `SELECT id FROM clinics LIMIT $1`, 1)
	if err != nil || len(clinics) == 0 {
		log.Fatalf("load clinics: %v", err)
	}
	log.Printf("loaded: %d doctors, %d patients", len(doctors), len(patients))

	// One contended slot per doctor, far enough out to clear the lead time.
	date := booking.FormatDate(booking.DateOf(time.Now().UTC().AddDate(0, 0, 7)))
	slots := make([]targetSlot, len(doctors))
	for i, d := range doctors {
		slots[i] = targetSlot{DoctorID: d, Date: date, Time: "10:00"}
	}

	metrics := &Metrics{winners: make(map[targetSlot]int)}
	client := &http.Client{Timeout: 10 * time.Second}

	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for _, slot := range slots {
				body, _ := json.Marshal(map[string]string{
					"doctor_id":  slot.DoctorID.String(),
					"patient_id": patients[rng.Intn(len(patients))].String(),
					"clinic_id":  clinics[0].String(),
					"date":       slot.Date,
					"time":       slot.Time,
					"reason":     "simulated checkup",
				})

				start := time.Now()
				resp, err := client.Post(cfg.APIBaseURL+"/appointments", "application/json", bytes.NewReader(body))
				if err != nil {
					metrics.Record(slot, time.Since(start), 0)
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				metrics.Record(slot, time.Since(start), resp.StatusCode)
			}
		}(int64(w))
	}
	wg.Wait()

	printReport(metrics)
}

func printReport(m *Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })
	var p50, p95 time.Duration
	if n := len(m.latencies); n > 0 {
		p50 = m.latencies[n*50/100]
		idx := n * 95 / 100
		if idx >= n {
			idx = n - 1
		}
		p95 = m.latencies[idx]
	}

	fmt.Printf("\n=== simulation report ===\n")
	fmt.Printf("requests: total=%d success=%d conflict=%d error=%d\n", m.Total, m.Success, m.Conflict, m.Error)
	fmt.Printf("latency:  p50=%s p95=%s\n", p50, p95)

	violations := 0
	for slot, wins := range m.winners {
		if wins > 1 {
			violations++
			fmt.Printf("VIOLATION: slot %s %s %s won %d times\n", slot.DoctorID, slot.Date, slot.Time, wins)
		}
	}
	if violations == 0 {
		fmt.Println("exclusivity held: every contended slot was won at most once")
	} else {
		os.Exit(1)
	}
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, query string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
