// Package valkeysource adapts a Valkey (or Redis-compatible) server as the
// source of truth behind a requery cache. Values are stored as JSON
// documents, one per key.
package valkeysource

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

	"github.com/l0p7/requery"
)

// TLSConfig controls transport security for the Valkey connection.
type TLSConfig struct {
	Enabled bool
	CAFile  string
}

// Config describes the Valkey connection and key layout.
type Config struct {
	Address  string
	Username string
	Password string
	DB       int
	// KeyPrefix namespaces every stored document. Empty means "requery".
	KeyPrefix string
	TLS       TLSConfig
}

// Source loads and stores JSON documents in Valkey. It implements
// requery.Fetcher.
type Source struct {
	client valkey.Client
	prefix string
}

// New connects to Valkey and verifies the connection with a ping.
func New(cfg Config) (*Source, error) {
	if cfg.Address == "" {
		return nil, errors.New("valkeysource: address required")
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
				return nil, fmt.Errorf("valkeysource: read ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("valkeysource: ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("valkeysource: client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkeysource: ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "requery"
	}
	return &Source{client: client, prefix: prefix}, nil
}

// Fetch loads the JSON document for key. Missing keys surface as a 404
// server error so the cache will not retry them; transport failures surface
// as network errors so it will.
func (s *Source) Fetch(ctx context.Context, key requery.Key) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, requery.NetworkError(err)
	}
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.storageKey(key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, requery.ServerError(404, fmt.Sprintf("no document for %s", key))
		}
		return nil, requery.NetworkError(fmt.Errorf("valkeysource: get: %w", err))
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, requery.NetworkError(fmt.Errorf("valkeysource: get bytes: %w", err))
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, requery.ServerError(400, fmt.Sprintf("document for %s is not valid JSON: %v", key, err))
	}
	return value, nil
}

// Store writes value as the JSON document for key.
func (s *Source) Store(ctx context.Context, key requery.Key, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("valkeysource: marshal: %w", err)
	}
	cmd := s.client.B().Set().Key(s.storageKey(key)).Value(string(payload)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkeysource: set: %w", err)
	}
	return nil
}

// Delete removes the document for key. Deleting a missing key is not an
// error.
func (s *Source) Delete(ctx context.Context, key requery.Key) error {
	cmd := s.client.B().Del().Key(s.storageKey(key)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkeysource: del: %w", err)
	}
	return nil
}

// Close releases the client connection.
func (s *Source) Close() {
	s.client.Close()
}

func (s *Source) storageKey(key requery.Key) string {
	return s.prefix + ":" + key.String()
}
