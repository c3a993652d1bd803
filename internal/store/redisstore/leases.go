package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/lease"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
)

const (
	// The hash tag keeps every lease key and the index in one cluster slot so MULTI works.
	defaultNamespace = "{tripledger}"
	leaseKeyInfix    = ":lease:"
	indexKeySuffix   = ":leases"

	// DefaultRetention keeps a lapsed lease visible long enough for the sweeper to report it.
	DefaultRetention = time.Hour

	errorOperationStore = "store"
	errorSubjectLease   = "lease"
	errorCodeDecode     = "decode"
	errorCodeDelete     = "delete"
	errorCodeEncode     = "encode"
	errorCodeGet        = "get"
	errorCodeList       = "list"
	errorCodePut        = "put"
)

// NewClient returns a single-node client, or a cluster client when several addresses are given.
func NewClient(addrs []string, password string) redis.UniversalClient {
	if len(addrs) > 1 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: password,
		})
	}
	address := ""
	if len(addrs) == 1 {
		address = addrs[0]
	}
	return redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       0,
	})
}

// LeaseTable implements lease.Table on Redis. Conditional writes run as Lua scripts so the token
// check and the write are one atomic step on the server. Active leases carry a key TTL of their remaining
// lifetime plus the retention window; consumed leases never expire.
type LeaseTable struct {
	client    redis.UniversalClient
	namespace string
	retention time.Duration
}

// LeaseTableOption configures a LeaseTable.
type LeaseTableOption func(*LeaseTable)

// WithNamespace overrides the key prefix.
func WithNamespace(namespace string) LeaseTableOption {
	return func(table *LeaseTable) {
		if namespace != "" {
			table.namespace = namespace
		}
	}
}

// WithRetention overrides how long a lapsed lease stays readable.
func WithRetention(retention time.Duration) LeaseTableOption {
	return func(table *LeaseTable) {
		if retention > 0 {
			table.retention = retention
		}
	}
}

// NewLeaseTable wires a lease table over client.
func NewLeaseTable(client redis.UniversalClient, options ...LeaseTableOption) *LeaseTable {
	table := &LeaseTable{client: client, namespace: defaultNamespace, retention: DefaultRetention}
	for _, option := range options {
		if option != nil {
			option(table)
		}
	}
	return table
}

func (table *LeaseTable) Get(ctx context.Context, tripID lease.TripID) (lease.Lease, bool, error) {
	raw, err := table.client.Get(ctx, table.leaseKey(tripID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return lease.Lease{}, false, nil
	}
	if err != nil {
		return lease.Lease{}, false, wrapStoreError(errorCodeGet, err)
	}
	record, err := decodeLease(raw)
	if err != nil {
		return lease.Lease{}, false, wrapStoreError(errorCodeDecode, err)
	}
	return record, true, nil
}

// compareAndPutScript writes the record when the stored token matches ARGV[1] (an empty ARGV[1]
// requires the key to be absent). ARGV[3] is the key TTL in milliseconds, 0 for none.
var compareAndPutScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
	if cjson.decode(current)["token"] ~= ARGV[1] then
		return 0
	end
elseif ARGV[1] ~= "" then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
else
	redis.call("SET", KEYS[1], ARGV[2])
end
redis.call("SADD", KEYS[2], ARGV[4])
return 1
`)

// compareAndDeleteScript drops the record only when its token matches ARGV[1].
var compareAndDeleteScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	redis.call("SREM", KEYS[2], ARGV[2])
	return 0
end
if cjson.decode(current)["token"] ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[2])
return 1
`)

// CompareAndPut writes next atomically on the server while the stored token equals expectedToken.
func (table *LeaseTable) CompareAndPut(ctx context.Context, expectedToken string, next lease.Lease) (bool, error) {
	payload, err := encodeLease(next)
	if err != nil {
		return false, wrapStoreError(errorCodeEncode, err)
	}
	tripID := next.TripID.String()
	ttl := table.expiration(next, time.Now()).Milliseconds()
	stored, err := compareAndPutScript.Run(ctx, table.client,
		[]string{table.leaseKey(tripID), table.indexKey()},
		expectedToken, payload, ttl, tripID,
	).Int()
	if err != nil {
		return false, wrapStoreError(errorCodePut, err)
	}
	return stored == 1, nil
}

// CompareAndDelete removes the record atomically while it still carries token.
func (table *LeaseTable) CompareAndDelete(ctx context.Context, tripID lease.TripID, token string) (bool, error) {
	removed, err := compareAndDeleteScript.Run(ctx, table.client,
		[]string{table.leaseKey(tripID.String()), table.indexKey()},
		token, tripID.String(),
	).Int()
	if err != nil {
		return false, wrapStoreError(errorCodeDelete, err)
	}
	return removed == 1, nil
}

func (table *LeaseTable) List(ctx context.Context) ([]lease.Lease, error) {
	tripIDs, err := table.client.SMembers(ctx, table.indexKey()).Result()
	if err != nil {
		return nil, wrapStoreError(errorCodeList, err)
	}
	if len(tripIDs) == 0 {
		return nil, nil
	}
	sort.Strings(tripIDs)
	keys := make([]string, 0, len(tripIDs))
	for _, tripID := range tripIDs {
		keys = append(keys, table.leaseKey(tripID))
	}
	values, err := table.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapStoreError(errorCodeList, err)
	}
	leases := make([]lease.Lease, 0, len(values))
	var vanished []any
	for index, value := range values {
		raw, ok := value.(string)
		if !ok {
			vanished = append(vanished, tripIDs[index])
			continue
		}
		record, err := decodeLease([]byte(raw))
		if err != nil {
			return nil, wrapStoreError(errorCodeDecode, err)
		}
		leases = append(leases, record)
	}
	if len(vanished) > 0 {
		if err := table.client.SRem(ctx, table.indexKey(), vanished...).Err(); err != nil {
			return nil, wrapStoreError(errorCodeList, err)
		}
	}
	return leases, nil
}

func (table *LeaseTable) expiration(record lease.Lease, now time.Time) time.Duration {
	if record.Status == lease.StatusConsumed {
		return 0
	}
	remaining := record.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	if remaining+table.retention < time.Millisecond {
		return time.Millisecond
	}
	return remaining + table.retention
}

func (table *LeaseTable) leaseKey(tripID string) string {
	return table.namespace + leaseKeyInfix + tripID
}

func (table *LeaseTable) indexKey() string {
	return table.namespace + indexKeySuffix
}

type leaseRecord struct {
	TripID       string    `json:"trip_id"`
	HolderUserID string    `json:"holder_user_id"`
	SessionID    string    `json:"session_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Status       string    `json:"status"`
	Token        string    `json:"token"`
}

func encodeLease(record lease.Lease) ([]byte, error) {
	return json.Marshal(leaseRecord{
		TripID:       record.TripID.String(),
		HolderUserID: record.HolderUserID.String(),
		SessionID:    record.SessionID.String(),
		AcquiredAt:   record.AcquiredAt.UTC(),
		ExpiresAt:    record.ExpiresAt.UTC(),
		Status:       string(record.Status),
		Token:        record.Token,
	})
}

func decodeLease(raw []byte) (lease.Lease, error) {
	var record leaseRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return lease.Lease{}, err
	}
	tripID, err := lease.NewTripID(record.TripID)
	if err != nil {
		return lease.Lease{}, err
	}
	holder, err := ledger.NewUserID(record.HolderUserID)
	if err != nil {
		return lease.Lease{}, err
	}
	sessionID, err := lease.NewSessionID(record.SessionID)
	if err != nil {
		return lease.Lease{}, err
	}
	status, err := lease.ParseStatus(record.Status)
	if err != nil {
		return lease.Lease{}, err
	}
	return lease.Lease{
		TripID:       tripID,
		HolderUserID: holder,
		SessionID:    sessionID,
		AcquiredAt:   record.AcquiredAt,
		ExpiresAt:    record.ExpiresAt,
		Status:       status,
		Token:        record.Token,
	}, nil
}

func wrapStoreError(code string, err error) error {
	return ledger.WrapError(errorOperationStore, errorSubjectLease, code, err)
}
