package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/szaher/gitsync/internal/resource"
)

// EtcdStore implements Store on etcd. A record's Seq is the etcd revision
// that created it; per-identity writes hold a distributed mutex.
type EtcdStore struct {
	client  *clientv3.Client
	session *concurrency.Session
	prefix  string
	now     func() time.Time
}

// NewEtcdStore connects to endpoints and keys everything under prefix.
func NewEtcdStore(ctx context.Context, endpoints []string, prefix string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to etcd: %v", ErrStoreUnavailable, err)
	}
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(30))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: etcd session: %v", ErrStoreUnavailable, err)
	}
	if prefix == "" {
		prefix = "/gitsync"
	}
	return &EtcdStore{
		client:  cli,
		session: sess,
		prefix:  strings.TrimSuffix(prefix, "/"),
		now:     time.Now,
	}, nil
}

func (s *EtcdStore) resourceKey(id resource.Identity, part string) string {
	return s.prefix + "/resources/" + key(id) + "/" + part
}

func (s *EtcdStore) recordPrefix(id resource.Identity) string {
	return s.prefix + "/records/" + key(id) + "/"
}

func (s *EtcdStore) Get(ctx context.Context, id resource.Identity) (Snapshot, error) {
	var snap Snapshot
	resp, err := s.client.Get(ctx, s.prefix+"/resources/"+key(id)+"/", clientv3.WithPrefix())
	if err != nil {
		return Snapshot{}, wrapEtcd(err)
	}
	for _, kv := range resp.Kvs {
		switch string(kv.Key) {
		case s.resourceKey(id, "desired"):
			snap.Desired = new(resource.DesiredState)
			if err := json.Unmarshal(kv.Value, snap.Desired); err != nil {
				return Snapshot{}, fmt.Errorf("decoding desired state of %s: %w", id, err)
			}
		case s.resourceKey(id, "observed"):
			snap.Observed = new(resource.ObservedState)
			if err := json.Unmarshal(kv.Value, snap.Observed); err != nil {
				return Snapshot{}, fmt.Errorf("decoding observed state of %s: %w", id, err)
			}
		}
	}
	records, err := s.records(ctx, id, 1)
	if err != nil {
		return Snapshot{}, err
	}
	if len(records) == 1 {
		snap.Latest = &records[0]
	}
	return snap, nil
}

func (s *EtcdStore) PutDesired(ctx context.Context, d resource.DesiredState) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.withLock(ctx, d.Identity, func() error {
		_, err := s.client.Put(ctx, s.resourceKey(d.Identity, "desired"), string(data))
		return err
	})
}

func (s *EtcdStore) PutObserved(ctx context.Context, o resource.ObservedState) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return s.withLock(ctx, o.Identity, func() error {
		_, err := s.client.Put(ctx, s.resourceKey(o.Identity, "observed"), string(data))
		return err
	})
}

func (s *EtcdStore) Forget(ctx context.Context, id resource.Identity) error {
	return s.withLock(ctx, id, func() error {
		_, err := s.client.Txn(ctx).Then(
			clientv3.OpDelete(s.resourceKey(id, "desired")),
			clientv3.OpDelete(s.resourceKey(id, "observed")),
		).Commit()
		return err
	})
}

func (s *EtcdStore) AppendSyncRecord(ctx context.Context, rec SyncRecord) (SyncRecord, error) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = s.now().UTC()
	}
	rec.Seq = 0
	data, err := json.Marshal(rec)
	if err != nil {
		return SyncRecord{}, err
	}
	err = s.withLock(ctx, rec.Identity, func() error {
		k := s.recordPrefix(rec.Identity) + rec.ID
		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
			Then(clientv3.OpPut(k, string(data))).
			Commit()
		if err != nil {
			return err
		}
		if !resp.Succeeded {
			return fmt.Errorf("sync record %s already exists", rec.ID)
		}
		rec.Seq = resp.Header.Revision
		return nil
	})
	if err != nil {
		return SyncRecord{}, err
	}
	return rec, nil
}

func (s *EtcdStore) History(ctx context.Context, id resource.Identity, limit int) ([]SyncRecord, error) {
	records, err := s.records(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// records returns up to limit records, newest first.
func (s *EtcdStore) records(ctx context.Context, id resource.Identity, limit int) ([]SyncRecord, error) {
	opts := []clientv3.OpOption{
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend),
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(int64(limit)))
	}
	resp, err := s.client.Get(ctx, s.recordPrefix(id), opts...)
	if err != nil {
		return nil, wrapEtcd(err)
	}
	out := make([]SyncRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec SyncRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("decoding sync record %s: %w", kv.Key, err)
		}
		rec.Seq = kv.CreateRevision
		out = append(out, rec)
	}
	return out, nil
}

func (s *EtcdStore) withLock(ctx context.Context, id resource.Identity, fn func() error) error {
	m := concurrency.NewMutex(s.session, s.prefix+"/locks/"+key(id))
	if err := m.Lock(ctx); err != nil {
		return wrapEtcd(err)
	}
	defer m.Unlock(context.WithoutCancel(ctx))
	if err := fn(); err != nil {
		return wrapEtcd(err)
	}
	return nil
}

func (s *EtcdStore) Close() error {
	s.session.Close()
	return s.client.Close()
}

func wrapEtcd(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
