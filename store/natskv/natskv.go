// Package natskv persists runtime state in NATS JetStream key-value buckets.
//
// Definitions and instances share one bucket under the "definitions." and
// "instances." prefixes. Processing records go to a second bucket whose
// entries expire after the configured TTL.
package natskv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/natsclient"
	"github.com/c360/tripscope/pkg/retry"
	"github.com/c360/tripscope/store"
	"github.com/c360/tripscope/widget"
)

const (
	definitionPrefix = "definitions."
	instancePrefix   = "instances."
	recordPrefix     = "records."
)

var validKey = regexp.MustCompile(`^[-/_=a-zA-Z0-9]+$`)

// Config names the buckets.
type Config struct {
	Bucket    string        `json:"bucket" validate:"required"`
	RecordTTL time.Duration `json:"record_ttl"`
	Replicas  int           `json:"replicas"`
}

// DefaultConfig returns the bucket names used when none are configured.
func DefaultConfig() Config {
	return Config{Bucket: "TRIPSCOPE_STATE", RecordTTL: 7 * 24 * time.Hour, Replicas: 1}
}

type savedInstance struct {
	Instance  *widget.Instance `json:"instance"`
	SessionID string           `json:"session_id,omitempty"`
}

// Store is a store.Adapter backed by JetStream KV.
type Store struct {
	client  *natsclient.Client
	state   *natsclient.KVStore
	records *natsclient.KVStore
	logger  *slog.Logger
}

var _ store.Adapter = (*Store)(nil)

// New creates the buckets when missing. The store takes ownership of client.
func New(ctx context.Context, client *natsclient.Client, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "New", "bucket name")
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}

	var state, records jetstream.KeyValue
	err := retry.Do(ctx, retry.Quick(), func() error {
		var err error
		state, err = client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "tripscope definitions and instances",
			History:     1,
			Replicas:    cfg.Replicas,
		})
		if err != nil {
			return err
		}
		records, err = client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket + "_RECORDS",
			Description: "tripscope processing records",
			History:     1,
			TTL:         cfg.RecordTTL,
			Replicas:    cfg.Replicas,
		})
		return err
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "New", "create buckets")
	}

	logger.Info("NATS KV store ready", "bucket", cfg.Bucket)
	return &Store{
		client:  client,
		state:   client.NewKVStore(state),
		records: client.NewKVStore(records),
		logger:  logger,
	}, nil
}

func key(prefix, id string) (string, error) {
	if !validKey.MatchString(id) {
		return "", errors.WrapInvalid(errors.Invalidf("id %q cannot be used as a key", id), "Store", "key", "validate id")
	}
	return prefix + id, nil
}

func (s *Store) SaveDefinition(ctx context.Context, def widget.Descriptor) error {
	k, err := key(definitionPrefix, def.ID)
	if err != nil {
		return err
	}
	if _, err := s.state.PutJSON(ctx, k, def); err != nil {
		return errors.WrapTransient(err, "Store", "SaveDefinition", "put "+def.ID)
	}
	return nil
}

func (s *Store) SaveInstance(ctx context.Context, inst *widget.Instance, sessionID string) error {
	if inst == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Store", "SaveInstance", "instance validation")
	}
	k, err := key(instancePrefix, inst.ID)
	if err != nil {
		return err
	}
	if _, err := s.state.PutJSON(ctx, k, savedInstance{Instance: inst, SessionID: sessionID}); err != nil {
		return errors.WrapTransient(err, "Store", "SaveInstance", "put "+inst.ID)
	}
	return nil
}

// UpdateInstance applies patch with a compare-and-set loop.
func (s *Store) UpdateInstance(ctx context.Context, id string, patch store.InstancePatch) error {
	k, err := key(instancePrefix, id)
	if err != nil {
		return err
	}
	err = s.state.UpdateWithRetry(ctx, k, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errors.NotFound("instance", id)
		}
		var saved savedInstance
		if err := json.Unmarshal(current, &saved); err != nil || saved.Instance == nil {
			return nil, errors.WrapInvalid(errors.ErrParsingFailed, "Store", "UpdateInstance", "decode "+id)
		}
		patch.Apply(saved.Instance)
		return json.Marshal(saved)
	})
	if err != nil {
		return errors.Wrap(err, "Store", "UpdateInstance", "update "+id)
	}
	return nil
}

func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	k, err := key(instancePrefix, id)
	if err != nil {
		return err
	}
	if err := s.state.Delete(ctx, k); err != nil {
		return errors.WrapTransient(err, "Store", "DeleteInstance", "delete "+id)
	}
	return nil
}

// SaveMetricRecord writes the record under records.<instance>.<unix nanos>.
func (s *Store) SaveMetricRecord(ctx context.Context, rec store.MetricRecord) error {
	k, err := key(recordPrefix, rec.InstanceID)
	if err != nil {
		return err
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	k = fmt.Sprintf("%s.%020d", k, ts.UnixNano())
	if _, err := s.records.PutJSON(ctx, k, rec); err != nil {
		return errors.WrapTransient(err, "Store", "SaveMetricRecord", "put")
	}
	return nil
}

// MetricRecords returns the unexpired records of instanceID in time order.
func (s *Store) MetricRecords(ctx context.Context, instanceID string) ([]store.MetricRecord, error) {
	prefix, err := key(recordPrefix, instanceID)
	if err != nil {
		return nil, err
	}
	keys, err := s.records.Keys(ctx, prefix+".")
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "MetricRecords", "list keys")
	}
	out := make([]store.MetricRecord, 0, len(keys))
	for _, k := range keys {
		entry, err := s.records.Get(ctx, k)
		if natsclient.IsKVNotFoundError(err) {
			continue
		}
		if err != nil {
			return nil, errors.WrapTransient(err, "Store", "MetricRecords", "get "+k)
		}
		var rec store.MetricRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			s.logger.Warn("Skipping unreadable metric record", "key", k, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) LoadPersistedInstances(ctx context.Context) ([]store.Persisted, error) {
	keys, err := s.state.Keys(ctx, instancePrefix)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "LoadPersistedInstances", "list keys")
	}

	defs := make(map[string]widget.Descriptor)
	out := make([]store.Persisted, 0, len(keys))
	for _, k := range keys {
		entry, err := s.state.Get(ctx, k)
		if natsclient.IsKVNotFoundError(err) {
			continue
		}
		if err != nil {
			return nil, errors.WrapTransient(err, "Store", "LoadPersistedInstances", "get "+k)
		}
		var saved savedInstance
		if err := json.Unmarshal(entry.Value, &saved); err != nil || saved.Instance == nil {
			s.logger.Warn("Skipping unreadable persisted instance", "key", k, "error", err)
			continue
		}

		defID := saved.Instance.DefinitionID
		def, seen := defs[defID]
		if !seen {
			def = s.loadDefinition(ctx, defID)
			defs[defID] = def
		}
		out = append(out, store.Persisted{Instance: saved.Instance, Definition: def, SessionID: saved.SessionID})
	}
	return out, nil
}

func (s *Store) loadDefinition(ctx context.Context, id string) widget.Descriptor {
	var def widget.Descriptor
	k, err := key(definitionPrefix, id)
	if err != nil {
		return def
	}
	entry, err := s.state.Get(ctx, k)
	if err != nil {
		if !natsclient.IsKVNotFoundError(err) {
			s.logger.Warn("Failed to load definition", "definition_id", id, "error", err)
		}
		return def
	}
	if err := json.Unmarshal(entry.Value, &def); err != nil {
		s.logger.Warn("Unreadable definition descriptor", "definition_id", id, "error", err)
	}
	return def
}

// Close closes the NATS client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Close(ctx)
}
