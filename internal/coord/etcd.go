package coord

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
)

// EtcdConfig configures an EtcdStore.
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// EtcdStore keeps coordination state in etcd:
//
//	<prefix>/active/<schema>  registration timestamp
//	<prefix>/current          current schema id
type EtcdStore struct {
	client *clientv3.Client
	prefix string
	logger *slog.Logger
	owned  bool
}

var (
	_ Store    = (*EtcdStore)(nil)
	_ Notifier = (*EtcdStore)(nil)
)

// NewEtcdStore dials etcd and returns a store owning the client.
func NewEtcdStore(ctx context.Context, cfg EtcdConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, serrors.ConfigError("coordination endpoints are required for the etcd backend", nil)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, serrors.CoordinationError("connect to etcd", err)
	}
	s := NewEtcdStoreFromClient(cli, cfg.Prefix, cfg.Logger)
	s.owned = true
	return s, nil
}

// NewEtcdStoreFromClient wraps an existing client. Close does not close it.
func NewEtcdStoreFromClient(cli *clientv3.Client, prefix string, logger *slog.Logger) *EtcdStore {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "/scoresync"
	}
	return &EtcdStore{client: cli, prefix: strings.TrimSuffix(prefix, "/"), logger: logger}
}

func (s *EtcdStore) activePrefix() string { return s.prefix + "/active/" }
func (s *EtcdStore) currentKey() string   { return s.prefix + "/current" }

func (s *EtcdStore) AddActive(ctx context.Context, schemaID string) error {
	if _, err := s.client.Put(ctx, s.activePrefix()+schemaID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return serrors.CoordinationError("add active schema", err)
	}
	return nil
}

func (s *EtcdStore) RemoveActive(ctx context.Context, schemaID string) error {
	if _, err := s.client.Delete(ctx, s.activePrefix()+schemaID); err != nil {
		return serrors.CoordinationError("remove active schema", err)
	}
	return nil
}

func (s *EtcdStore) ActiveSchemas(ctx context.Context) ([]string, error) {
	resp, err := s.client.Get(ctx, s.activePrefix(), clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, serrors.CoordinationError("list active schemas", err)
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, strings.TrimPrefix(string(kv.Key), s.activePrefix()))
	}
	sort.Strings(out)
	return out, nil
}

func (s *EtcdStore) CurrentSchema(ctx context.Context) (string, error) {
	resp, err := s.client.Get(ctx, s.currentKey())
	if err != nil {
		return "", serrors.CoordinationError("read current schema", err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (s *EtcdStore) SetCurrent(ctx context.Context, schemaID string) error {
	if _, err := s.client.Put(ctx, s.currentKey(), schemaID); err != nil {
		return serrors.CoordinationError("set current schema", err)
	}
	return nil
}

// ClaimCurrent creates the current key only if it has never been created
// (CreateRevision == 0).
func (s *EtcdStore) ClaimCurrent(ctx context.Context, schemaID string) (bool, string, error) {
	key := s.currentKey()
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, schemaID)).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return false, "", serrors.CoordinationError("claim current schema", err)
	}
	if resp.Succeeded {
		return true, schemaID, nil
	}
	if len(resp.Responses) > 0 {
		if rr := resp.Responses[0].GetResponseRange(); rr != nil && len(rr.Kvs) > 0 {
			return false, string(rr.Kvs[0].Value), nil
		}
	}
	current, err := s.CurrentSchema(ctx)
	return false, current, err
}

func (s *EtcdStore) ClearCurrent(ctx context.Context) error {
	if _, err := s.client.Delete(ctx, s.currentKey()); err != nil {
		return serrors.CoordinationError("clear current schema", err)
	}
	return nil
}

// Watch signals on every put or delete under the prefix.
func (s *EtcdStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	// Start from the revision observed now so writes racing with watch
	// registration are still delivered.
	resp, err := s.client.Get(ctx, s.currentKey())
	if err != nil {
		return nil, serrors.CoordinationError("start coordination watch", err)
	}
	out := make(chan struct{}, 1)
	wch := s.client.Watch(clientv3.WithRequireLeader(ctx), s.prefix+"/",
		clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-wch:
				if !ok {
					return
				}
				if err := resp.Err(); err != nil {
					s.logger.Warn("coordination_watch_error", slog.String("error", err.Error()))
					continue
				}
				if len(resp.Events) > 0 {
					notify(out)
				}
			}
		}
	}()
	return out, nil
}

func (s *EtcdStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
