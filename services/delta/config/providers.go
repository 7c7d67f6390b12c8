// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianDelta/services/delta/coord"
	storage "github.com/AleutianAI/AleutianDelta/services/delta/storage/badger"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/badgerstore"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/coordstore"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/filestore"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/memstore"
)

// OpenRegistry opens every enabled provider and returns them in a
// registry whose default is c.Server.Provider.
//
// Outputs:
//
//	*store.Registry - The stores. The caller closes it.
//	error - Non-nil if a provider fails to open; stores already opened
//	        are closed.
func (c Config) OpenRegistry(ctx context.Context, logger *slog.Logger) (*store.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := store.NewRegistry()
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*store.Registry, error) {
		reg.Close()
		return nil, err
	}

	p := c.Providers
	if p.Mem.Enabled {
		if err := reg.Register(memstore.New()); err != nil {
			return fail(err)
		}
	}
	if p.File.Enabled {
		fs, err := filestore.New(p.File.Area, logger)
		if err != nil {
			return fail(err)
		}
		if err := reg.Register(fs); err != nil {
			return fail(err)
		}
	}
	if p.Badger.Enabled {
		cfg := storage.DefaultConfig()
		cfg.Path = p.Badger.Path
		cfg.SyncWrites = p.Badger.SyncWrites
		cfg.GCInterval = p.Badger.GCInterval
		cfg.GCDiscardRatio = p.Badger.GCDiscardRatio
		bs, err := badgerstore.Open(cfg, logger)
		if err != nil {
			return fail(fmt.Errorf("open badger provider: %w", err))
		}
		if err := reg.Register(bs); err != nil {
			bs.Close()
			return fail(err)
		}
	}
	if p.Coord.Enabled {
		cs, err := p.Coord.open(ctx, logger)
		if err != nil {
			return fail(fmt.Errorf("open coord provider: %w", err))
		}
		if err := reg.Register(cs); err != nil {
			cs.Close()
			return fail(err)
		}
	}

	if err := reg.SetDefault(c.Server.Provider); err != nil {
		return fail(err)
	}
	return reg, nil
}

func (c CoordConfig) open(ctx context.Context, logger *slog.Logger) (*coordstore.Store, error) {
	var bodies coordstore.BodyStore
	if c.Bodies.GCS.Bucket != "" {
		gcs, err := coordstore.NewGCSBodies(ctx, c.Bodies.GCS)
		if err != nil {
			return nil, err
		}
		bodies = gcs
	} else {
		dir, err := coordstore.NewDirBodies(c.Bodies.Dir)
		if err != nil {
			return nil, err
		}
		bodies = dir
	}

	var co coord.Coordinator
	switch c.Coordinator {
	case CoordinatorMemory:
		co = coord.NewMemory()
	default:
		etcd, err := coord.NewEtcd(c.Etcd)
		if err != nil {
			bodies.Close()
			return nil, err
		}
		co = etcd
	}
	return coordstore.New(co, bodies, logger), nil
}
