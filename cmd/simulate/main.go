package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-engine/internal/api"
	"github.com/hackgods/clinic-slot-engine/internal/config"
	"github.com/hackgods/clinic-slot-engine/internal/db"
	"github.com/hackgods/clinic-slot-engine/internal/logger"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	CancelRatio  float64
	StatusRatio  float64
	ReadRatio    float64
	PatientLimit int
	SlotLimit    int
	HotSlots     int // bookings concentrate on this many slots to force races
	PostgresDSN  string
	JWTSecret    string
}

type openSlot struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
	Date     time.Time
}

type booked struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	DoctorID  uuid.UUID
}

type DataPool struct {
	Patients     []uuid.UUID
	Slots        []openSlot
	mu           sync.RWMutex
	appointments []booked
	tokens       sync.Map // uuid.UUID -> bearer token
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, maxLatency time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	n := len(latencies)
	return sum / time.Duration(n), latencies[n*50/100], latencies[min(n*95/100, n-1)], latencies[n-1]
}

type Metrics struct {
	Booking       OperationMetrics
	Cancel        OperationMetrics
	Status        OperationMetrics
	ReadSlots     OperationMetrics
	ListByPatient OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *zap.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	log, err := logger.New(baseCfg.Env)
	if err != nil {
		panic("logger init error: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Int("hot_slots", cfg.HotSlots),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, "simulate")
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal("load data pool", zap.Error(err))
	}
	log.Info("data loaded", zap.Int("patients", len(dataPool.Patients)), zap.Int("slots", len(dataPool.Slots)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()

	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelVerify()
	if err := verifyInvariants(verifyCtx, pgPool); err != nil {
		log.Fatal("invariant violated", zap.Error(err))
	}
	log.Info("invariants hold: at most one live appointment per slot, slot status consistent")
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:"+base.HTTPPort),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.5),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.1),
		StatusRatio:  getFloat("SIM_STATUS_RATIO", 0.1),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 4000),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 2400),
		HotSlots:     getInt("SIM_HOT_SLOTS", 50),
		PostgresDSN:  base.PostgresDSN,
		JWTSecret:    base.JWTSecret,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.CancelRatio + cfg.StatusRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.StatusRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required to mint caller tokens")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT id, doctor_id, slot_date
		FROM slots
		WHERE status = 'available'
		  AND slot_date > current_date
		ORDER BY slot_date, start_time
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	for rows.Next() {
		var s openSlot
		if err := rows.Scan(&s.ID, &s.DoctorID, &s.Date); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, s)
	}
	rows.Close()

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no slots loaded")
	}

	return dataPool, nil
}

func (s *Simulator) token(role api.Role, id uuid.UUID) string {
	if tok, ok := s.pool.tokens.Load(id); ok {
		return tok.(string)
	}

	p := api.Principal{Subject: "sim-" + id.String(), Role: role}
	if role == api.RolePatient {
		p.PatientID = id
	} else {
		p.DoctorID = id
	}
	tok, err := api.IssueToken([]byte(s.config.JWTSecret), p, s.config.Duration+time.Hour)
	if err != nil {
		s.log.Fatal("issue token", zap.Error(err))
	}
	s.pool.tokens.Store(id, tok)
	return tok
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng)
			case r < s.config.BookingRatio+s.config.CancelRatio+s.config.StatusRatio:
				s.doStatus(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doReadSlots(ctx, rng)
				} else {
					s.doListByPatient(ctx, rng)
				}
			}
		}
	}
}

func (s *Simulator) send(ctx context.Context, method, path, tok string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	hot := min(s.config.HotSlots, len(s.pool.Slots))
	if hot <= 0 {
		hot = len(s.pool.Slots)
	}
	slot := s.pool.Slots[rng.Intn(hot)]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()
	status, body, err := s.send(ctx, http.MethodPost, "/appointments", s.token(api.RolePatient, patientID), api.BookRequest{
		DoctorID:       slot.DoctorID.String(),
		SlotID:         slot.ID.String(),
		ReasonForVisit: "simulated visit",
	})
	latency := time.Since(start)

	success := err == nil && status == http.StatusCreated
	if success {
		var appt api.AppointmentResponse
		if json.Unmarshal(body, &appt) == nil && appt.ID != uuid.Nil {
			s.pool.AddAppointment(booked{ID: appt.ID, PatientID: patientID, DoctorID: slot.DoctorID})
		}
	}
	s.metrics.Booking.Record(latency, success, err == nil && status == http.StatusConflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, _, err := s.send(ctx, http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel", s.token(api.RolePatient, appt.PatientID), nil)
	s.metrics.Cancel.Record(time.Since(start), err == nil && status == http.StatusOK, err == nil && status == http.StatusConflict)
}

func (s *Simulator) doStatus(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	next := []string{"Confirmed", "Completed", "Cancelled", "Pending"}[rng.Intn(4)]

	start := time.Now()
	status, _, err := s.send(ctx, http.MethodPatch, "/appointments/"+appt.ID.String()+"/status",
		s.token(api.RoleDoctor, appt.DoctorID), api.StatusRequest{Status: next})
	s.metrics.Status.Record(time.Since(start), err == nil && status == http.StatusOK, err == nil && status == http.StatusConflict)
}

func (s *Simulator) doReadSlots(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]

	start := time.Now()
	status, _, err := s.send(ctx, http.MethodGet,
		fmt.Sprintf("/doctors/%s/slots?date=%s", slot.DoctorID, slot.Date.Format("2006-01-02")), "", nil)
	s.metrics.ReadSlots.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()
	status, _, err := s.send(ctx, http.MethodGet, "/appointments?limit=20&offset=0", s.token(api.RolePatient, patientID), nil)
	s.metrics.ListByPatient.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

// verifyInvariants checks the store after the run: no slot carries two live
// appointments, and every live appointment's slot reads booked.
func verifyInvariants(ctx context.Context, pool *pgxpool.Pool) error {
	var doubled int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT slot_id
			FROM appointments
			WHERE status <> 'Cancelled'
			GROUP BY slot_id
			HAVING count(*) > 1
		) d
	`).Scan(&doubled)
	if err != nil {
		return fmt.Errorf("count double bookings: %w", err)
	}
	if doubled > 0 {
		return fmt.Errorf("%d slots hold more than one live appointment", doubled)
	}

	var orphaned int
	err = pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments a
		JOIN slots s ON s.id = a.slot_id
		WHERE a.status <> 'Cancelled'
		  AND s.status <> 'booked'
	`).Scan(&orphaned)
	if err != nil {
		return fmt.Errorf("count live appointments on free slots: %w", err)
	}
	if orphaned > 0 {
		return fmt.Errorf("%d live appointments point at available slots", orphaned)
	}
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Status change", &s.metrics.Status)
	printOperationReport("Read free slots", &s.metrics.ReadSlots)
	printOperationReport("List by patient", &s.metrics.ListByPatient)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, maxLatency := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), maxLatency.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
