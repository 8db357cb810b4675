package phi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Audit action taxonomy. The set is closed: events carrying an action outside
// this list are rejected at log time so the compliance reports stay
// enumerable.
const (
	ActionPHICreated          = "PHI_CREATED"
	ActionPHIRead             = "PHI_READ"
	ActionPHIUpdated          = "PHI_UPDATED"
	ActionPHIDeleted          = "PHI_DELETED"
	ActionPHIEncrypted        = "PHI_ENCRYPTED"
	ActionPHIDecrypted        = "PHI_DECRYPTED"
	ActionPHIDecryptionFailed = "PHI_DECRYPTION_FAILED"
	ActionPHIShared           = "PHI_SHARED"
	ActionKeyGenerated        = "KEY_GENERATED"
	ActionKeyRotated          = "KEY_ROTATED"
	ActionLoginSuccess        = "LOGIN_SUCCESS"
	ActionLoginFailure        = "LOGIN_FAILURE"
	ActionUnauthorizedAccess  = "UNAUTHORIZED_ACCESS"
	ActionBreachDetected      = "BREACH_DETECTED"
	ActionDataExport          = "DATA_EXPORT"
	ActionAdminAction         = "ADMIN_ACTION"
	ActionRetentionPurge      = "RETENTION_PURGE"
)

// Actor type constants.
const (
	ActorTypeUser    = "user"
	ActorTypeSystem  = "system"
	ActorTypeService = "service"
)

var knownActions = map[string]bool{
	ActionPHICreated:          true,
	ActionPHIRead:             true,
	ActionPHIUpdated:          true,
	ActionPHIDeleted:          true,
	ActionPHIEncrypted:        true,
	ActionPHIDecrypted:        true,
	ActionPHIDecryptionFailed: true,
	ActionPHIShared:           true,
	ActionKeyGenerated:        true,
	ActionKeyRotated:          true,
	ActionLoginSuccess:        true,
	ActionLoginFailure:        true,
	ActionUnauthorizedAccess:  true,
	ActionBreachDetected:      true,
	ActionDataExport:          true,
	ActionAdminAction:         true,
	ActionRetentionPurge:      true,
}

// criticalActions are flushed immediately instead of waiting for the batch
// timer, so operational alerting sees them without the batch-window delay.
var criticalActions = map[string]bool{
	ActionLoginFailure:        true,
	ActionUnauthorizedAccess:  true,
	ActionBreachDetected:      true,
	ActionDataExport:          true,
	ActionAdminAction:         true,
	ActionPHIDecryptionFailed: true,
	ActionRetentionPurge:      true,
}

// IsKnownAction reports whether action belongs to the closed audit taxonomy.
func IsKnownAction(action string) bool { return knownActions[action] }

// IsCriticalAction reports whether action triggers an immediate flush.
func IsCriticalAction(action string) bool { return criticalActions[action] }

// Event is a single append-only audit record. Once logged it is immutable;
// the only write operation that ever touches persisted events is the
// retention-expiry purge.
type Event struct {
	ID             uuid.UUID      `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	ActorID        string         `json:"actor_id"`
	ActorType      string         `json:"actor_type"`
	SourceAddr     string         `json:"source_addr,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Action         string         `json:"action"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id"`
	Details        map[string]any `json:"details,omitempty"`
	PHIAccessed    bool           `json:"phi_accessed"`
	RetentionUntil time.Time      `json:"retention_until"`
	Checksum       string         `json:"checksum"`
}

// Record pairs an event read back from storage with the result of
// recomputing its checksum.
type Record struct {
	Event             *Event `json:"event"`
	IntegrityVerified bool   `json:"integrity_verified"`
}

// Filters narrow a ledger query. Zero-valued fields are ignored.
type Filters struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	PHIAccessed  *bool
	Start        *time.Time
	End          *time.Time
	Limit        int
	Offset       int
}

// checksumPayload builds the canonical serialization covered by the integrity
// checksum: the identity, action, and resource fields in sorted key order.
// Details are deliberately excluded; they are free-form and may legitimately
// contain nested structures with no canonical encoding.
func checksumPayload(e *Event) string {
	fields := map[string]string{
		"action":        e.Action,
		"actor_id":      e.ActorID,
		"actor_type":    e.ActorType,
		"id":            e.ID.String(),
		"phi_accessed":  strconv.FormatBool(e.PHIAccessed),
		"resource_id":   e.ResourceID,
		"resource_type": e.ResourceType,
		"session_id":    e.SessionID,
		"source_addr":   e.SourceAddr,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}

// computeChecksum returns the hex HMAC-SHA256 of the event's canonical
// serialization under the ledger's integrity secret.
func computeChecksum(secret []byte, e *Event) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(checksumPayload(e)))
	return hex.EncodeToString(mac.Sum(nil))
}

// LedgerConfig holds the tunables for the audit ledger.
type LedgerConfig struct {
	// IntegritySecret keys the event checksums. Must be distinct from the
	// PHI master secret.
	IntegritySecret []byte
	// RetentionYears sets how long events are kept before becoming purge
	// eligible. HIPAA floor is 6 years.
	RetentionYears int
	// BatchSize triggers a flush when the queue reaches this many events.
	BatchSize int
	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration
	// FlushTimeout bounds a single batch write.
	FlushTimeout time.Duration
}

func (c *LedgerConfig) applyDefaults() {
	if c.RetentionYears <= 0 {
		c.RetentionYears = 6
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
}

// Ledger is the tamper-evident, append-only audit log. Events are enqueued
// synchronously and written to durable storage in batches by a single flush
// goroutine; a failed batch is returned to the front of the queue rather than
// dropped.
type Ledger struct {
	store  Store
	cfg    LedgerConfig
	logger zerolog.Logger

	mu    sync.Mutex
	queue []*Event

	// flushMu serializes flushes: the background loop and the callers that
	// flush inline (Query, Close, PurgeExpired) must never write two batches
	// concurrently.
	flushMu sync.Mutex

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewLedger creates an audit ledger backed by the given store. The integrity
// secret is required; a ledger without one cannot produce verifiable records.
func NewLedger(store Store, cfg LedgerConfig, logger zerolog.Logger) (*Ledger, error) {
	if len(cfg.IntegritySecret) == 0 {
		return nil, &ConfigurationError{Field: "AUDIT_INTEGRITY_SECRET", Reason: "must not be empty"}
	}
	cfg.applyDefaults()
	return &Ledger{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "audit-ledger").Logger(),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the background flush loop. Safe to call once; Log works
// before Start, events simply wait in the queue.
func (l *Ledger) Start() {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.run()
	})
}

// Close flushes any remaining events and stops the flush loop.
func (l *Ledger) Close(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	return l.Flush(ctx)
}

// Log assigns the event its id, timestamp, retention date, and integrity
// checksum, then enqueues it. It never fails once the action is validated:
// a logging problem must not block the clinical operation it accompanies.
// Critical security actions trigger an immediate flush.
func (l *Ledger) Log(e *Event) (uuid.UUID, error) {
	if !IsKnownAction(e.Action) {
		return uuid.Nil, fmt.Errorf("audit ledger: unknown action %q", e.Action)
	}
	if e.ActorType == "" {
		e.ActorType = ActorTypeSystem
	}
	e.ID = uuid.New()
	e.Timestamp = time.Now().UTC()
	e.RetentionUntil = e.Timestamp.AddDate(l.cfg.RetentionYears, 0, 0)
	e.Checksum = computeChecksum(l.cfg.IntegritySecret, e)

	l.mu.Lock()
	l.queue = append(l.queue, e)
	depth := len(l.queue)
	l.mu.Unlock()
	auditQueueDepth.Set(float64(depth))

	if depth >= l.cfg.BatchSize || IsCriticalAction(e.Action) {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
	return e.ID, nil
}

// VerifyIntegrity recomputes the event checksum and compares it with the
// stored one.
func (l *Ledger) VerifyIntegrity(e *Event) bool {
	expected := computeChecksum(l.cfg.IntegritySecret, e)
	return hmac.Equal([]byte(expected), []byte(e.Checksum))
}

// run is the single flush consumer: a ticker plus a kick channel for
// size/critical triggers. Only one flush is ever in progress.
func (l *Ledger) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
		case <-l.kick:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.FlushTimeout)
		if err := l.Flush(ctx); err != nil {
			l.logger.Error().Err(err).Msg("audit flush failed, batch requeued")
		}
		cancel()
	}
}

// Flush writes all queued events as one batch. Only one flush runs at a time;
// concurrent Log calls keep enqueueing meanwhile. On failure the batch is put
// back at the front of the queue so enqueue order is preserved for the next
// attempt.
func (l *Ledger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		l.mu.Lock()
		l.queue = append(batch, l.queue...)
		depth := len(l.queue)
		l.mu.Unlock()
		auditQueueDepth.Set(float64(depth))
		auditFlushTotal.WithLabelValues("failure").Inc()
		return &AuditWriteError{Batch: len(batch), Err: err}
	}

	l.mu.Lock()
	depth := len(l.queue)
	l.mu.Unlock()
	auditQueueDepth.Set(float64(depth))
	auditFlushTotal.WithLabelValues("success").Inc()
	auditEventsPersisted.Add(float64(len(batch)))
	return nil
}

// PendingCount returns the number of queued, not-yet-durable events.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Query flushes pending events and returns matching records, each carrying an
// integrity flag recomputed from its checksum.
func (l *Ledger) Query(ctx context.Context, f Filters) ([]*Record, error) {
	if err := l.Flush(ctx); err != nil {
		return nil, err
	}
	events, err := l.store.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit ledger: query: %w", err)
	}
	records := make([]*Record, 0, len(events))
	for _, e := range events {
		records = append(records, &Record{Event: e, IntegrityVerified: l.VerifyIntegrity(e)})
	}
	return records, nil
}

// PurgeExpired deletes events whose retention date has passed and audits the
// purge itself. Events still inside their retention window are untouched.
func (l *Ledger) PurgeExpired(ctx context.Context, actorID string) (int64, error) {
	if err := l.Flush(ctx); err != nil {
		return 0, err
	}
	deleted, err := l.store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("audit ledger: purge: %w", err)
	}
	_, logErr := l.Log(&Event{
		ActorID:      actorID,
		ActorType:    ActorTypeSystem,
		Action:       ActionRetentionPurge,
		ResourceType: "audit_log",
		ResourceID:   "retention",
		Details:      map[string]any{"deleted_count": deleted},
	})
	if logErr != nil {
		l.logger.Error().Err(logErr).Msg("failed to audit retention purge")
	}
	return deleted, nil
}
