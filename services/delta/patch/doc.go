// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch implements the RDF patch model, its line-oriented text
// encoding, and the operation pipeline used to replay or forward patches.
//
// # Model
//
// A Patch is an ordered list of Operations: header fields first, then one or
// more transactions of quad and prefix changes, optionally separated by
// segment markers. Terms are opaque values compared only by equality.
//
// # Text Format
//
// One record per line, each terminated by " .":
//
//	H id <uuid:0d5c...> .
//	H previous <uuid:88b2...> .
//	TX .
//	PA "ex" "http://example/" .
//	A <http://example/s> <http://example/p> "o"@en <http://example/g> .
//	D _:b0 <http://example/p> <http://example/o> .
//	TC .
//
// Decode(Encode(p)) reproduces p operation for operation.
//
// # Pipeline
//
// A Sink consumes operations. Stages wrap a Sink to form a pipeline:
//
//	txn := patch.NewExternalTxn(store)
//	err := p.Play(patch.Tee(txn, patch.NewWriter(os.Stdout)))
package patch
