package queue

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
	Key      string
}

const defaultValkeyKey = "offramp:queue"

type valkeyQueue struct {
	client valkey.Client
	key    string
}

// NewValkey connects a valkey-backed Queue. Entries are JSON payloads on a
// list keyed by cfg.Key; RPUSH/LRANGE preserve insertion order.
func NewValkey(cfg ValkeyConfig) (Queue, error) {
	if cfg.Address == "" {
		return nil, errors.New("queue: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("queue: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("queue: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("queue: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("queue: valkey ping: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = defaultValkeyKey
	}
	return &valkeyQueue{client: client, key: key}, nil
}

func (q *valkeyQueue) Enqueue(ctx context.Context, action Action) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("queue: valkey marshal: %w", err)
	}
	cmd := q.client.B().Rpush().Key(q.key).Element(string(payload)).Build()
	if err := q.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("queue: valkey rpush: %w", err)
	}
	return nil
}

func (q *valkeyQueue) List(ctx context.Context) ([]Action, error) {
	resp := q.client.Do(ctx, q.client.B().Lrange().Key(q.key).Start(0).Stop(-1).Build())
	elements, err := resp.AsStrSlice()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: valkey lrange: %w", err)
	}
	actions := make([]Action, 0, len(elements))
	for _, element := range elements {
		var action Action
		if err := json.Unmarshal([]byte(element), &action); err != nil {
			return nil, fmt.Errorf("queue: valkey unmarshal: %w", err)
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func (q *valkeyQueue) Remove(ctx context.Context, id string) error {
	resp := q.client.Do(ctx, q.client.B().Lrange().Key(q.key).Start(0).Stop(-1).Build())
	elements, err := resp.AsStrSlice()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil
		}
		return fmt.Errorf("queue: valkey lrange: %w", err)
	}
	for _, element := range elements {
		var action Action
		if err := json.Unmarshal([]byte(element), &action); err != nil {
			continue
		}
		if action.ID != id {
			continue
		}
		cmd := q.client.B().Lrem().Key(q.key).Count(1).Element(element).Build()
		if err := q.client.Do(ctx, cmd).Error(); err != nil {
			return fmt.Errorf("queue: valkey lrem: %w", err)
		}
		return nil
	}
	return nil
}

func (q *valkeyQueue) Clear(ctx context.Context) error {
	if err := q.client.Do(ctx, q.client.B().Del().Key(q.key).Build()).Error(); err != nil {
		return fmt.Errorf("queue: valkey del: %w", err)
	}
	return nil
}

func (q *valkeyQueue) Len(ctx context.Context) (int64, error) {
	resp := q.client.Do(ctx, q.client.B().Llen().Key(q.key).Build())
	length, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("queue: valkey llen: %w", err)
	}
	return length, nil
}

func (q *valkeyQueue) Close(context.Context) error {
	q.client.Close()
	return nil
}
