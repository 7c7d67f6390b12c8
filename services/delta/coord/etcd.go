// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig configures the etcd coordinator.
type EtcdConfig struct {
	// Endpoints lists the cluster members, e.g. "127.0.0.1:2379".
	Endpoints []string `yaml:"endpoints"`

	// DialTimeout bounds the initial connection. Default: 5s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// RequestTimeout bounds each call that has no earlier deadline.
	// Default: 5s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Prefix namespaces every key, e.g. "/aleutian-delta/".
	Prefix string `yaml:"prefix"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Etcd is a Coordinator backed by an etcd cluster.
//
// Thread Safety: Safe for concurrent use.
type Etcd struct {
	cli     *clientv3.Client
	prefix  string
	timeout time.Duration
}

// NewEtcd connects to an etcd cluster.
//
// Inputs:
//
//	cfg - Cluster endpoints and timeouts. At least one endpoint is required.
//
// Outputs:
//
//	*Etcd - The coordinator. Call Close when done.
//	error - Non-nil if the configuration is invalid or the client fails.
func NewEtcd(cfg EtcdConfig) (*Etcd, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd: at least one endpoint is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Etcd{cli: cli, prefix: cfg.Prefix, timeout: cfg.RequestTimeout}, nil
}

func (e *Etcd) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if _, ok := parent.Deadline(); ok {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, e.timeout)
}

func (e *Etcd) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (e *Etcd) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := e.ctx(ctx)
	defer cancel()

	resp, err := e.cli.Get(ctx, e.prefix+key)
	if err != nil {
		return nil, false, e.wrap(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (e *Etcd) List(ctx context.Context, prefix string) ([]KV, error) {
	ctx, cancel := e.ctx(ctx)
	defer cancel()

	resp, err := e.cli.Get(ctx, e.prefix+prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, e.wrap(err)
	}
	out := make([]KV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, KV{
			Key:   strings.TrimPrefix(string(kv.Key), e.prefix),
			Value: kv.Value,
		})
	}
	return out, nil
}

func (e *Etcd) Txn(ctx context.Context, conds []Cond, puts []KV, deletes []string) (bool, error) {
	ctx, cancel := e.ctx(ctx)
	defer cancel()

	cmps := make([]clientv3.Cmp, 0, len(conds))
	for _, c := range conds {
		key := e.prefix + c.Key
		if c.Value == nil {
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(key), "=", 0))
		} else {
			cmps = append(cmps, clientv3.Compare(clientv3.Value(key), "=", string(c.Value)))
		}
	}
	ops := make([]clientv3.Op, 0, len(puts)+len(deletes))
	for _, kv := range puts {
		ops = append(ops, clientv3.OpPut(e.prefix+kv.Key, string(kv.Value)))
	}
	for _, k := range deletes {
		ops = append(ops, clientv3.OpDelete(e.prefix+k))
	}

	resp, err := e.cli.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return false, e.wrap(err)
	}
	return resp.Succeeded, nil
}

func (e *Etcd) DeletePrefix(ctx context.Context, prefix string) error {
	ctx, cancel := e.ctx(ctx)
	defer cancel()

	_, err := e.cli.Delete(ctx, e.prefix+prefix, clientv3.WithPrefix())
	return e.wrap(err)
}

func (e *Etcd) Close() error {
	return e.cli.Close()
}
