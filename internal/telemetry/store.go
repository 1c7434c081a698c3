package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is the latest report of one device
type Record struct {
	Name                  string
	Attributes            map[string]any
	LastSeenAt            time.Time
	UpdateIntervalSeconds *int64
}

// MarshalJSON flattens the attributes next to the server-computed fields
func (r *Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Attributes)+2)
	for key, value := range r.Attributes {
		flat[key] = value
	}
	flat["last_seen"] = r.LastSeenAt.UTC().Format(time.RFC3339)
	if r.UpdateIntervalSeconds != nil {
		flat["update_interval"] = *r.UpdateIntervalSeconds
	}
	return json.Marshal(flat)
}

func (r *Record) clone() *Record {
	attrs := make(map[string]any, len(r.Attributes))
	for key, value := range r.Attributes {
		attrs[key] = value
	}
	clone := *r
	clone.Attributes = attrs
	if r.UpdateIntervalSeconds != nil {
		interval := *r.UpdateIntervalSeconds
		clone.UpdateIntervalSeconds = &interval
	}
	return &clone
}

// Store holds the latest record per device name in memory
type Store struct {
	mu        sync.RWMutex
	records   map[string]*Record
	publisher *Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewStore creates a new telemetry store. publisher may be nil.
func NewStore(publisher *Publisher, logger *zap.Logger) *Store {
	return &Store{
		records:   make(map[string]*Record),
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Record replaces the device's previous record with attrs and queues it for
// publishing. Reports without a device name are ignored and return false.
func (s *Store) Record(attrs map[string]any) (*Record, bool) {
	name := deviceName(attrs)
	if name == "" {
		return nil, false
	}

	record := &Record{
		Name:       name,
		Attributes: make(map[string]any, len(attrs)),
	}
	for key, value := range attrs {
		record.Attributes[key] = value
	}

	s.mu.Lock()
	record.LastSeenAt = s.now()
	if previous, ok := s.records[name]; ok {
		// Clock skew may make this negative; it is reported as-is
		interval := int64(math.Round(record.LastSeenAt.Sub(previous.LastSeenAt).Seconds()))
		record.UpdateIntervalSeconds = &interval
	}
	s.records[name] = record
	snapshot := record.clone()
	// Queued under the lock so reports of one device reach the sink in order
	if s.publisher != nil {
		s.publisher.Enqueue(record.clone())
	}
	s.mu.Unlock()

	s.logger.Debug("Device telemetry recorded",
		zap.String("device", name),
		zap.Any("attributes", snapshot.Attributes))

	return snapshot, true
}

// Get returns a copy of a device's record
func (s *Store) Get(name string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[name]
	if !ok {
		return nil, false
	}
	return record.clone(), true
}

// Snapshot returns copies of all records sorted by device name
func (s *Store) Snapshot() []*Record {
	s.mu.RLock()
	records := make([]*Record, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record.clone())
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})
	return records
}

func deviceName(attrs map[string]any) string {
	value, ok := attrs[NameAttribute]
	if !ok || value == nil {
		return ""
	}
	if name, ok := value.(string); ok {
		return name
	}
	return fmt.Sprint(value)
}
