// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package delta holds the identifiers, descriptions and error taxonomy shared
// by every part of the patch log service.
//
// A dataset is replicated by exchanging RDF patches through a patch log. Each
// log is named by a DataSourceDescription and assigns a strictly increasing
// Version to every patch it accepts. Clients replay the log in version order
// to reconstruct the dataset.
//
// The subpackages split the system into layers:
//
//	patch       patch model, text codec, operation pipeline
//	store       pluggable per-log persistence (mem, file, badger, coord)
//	patchlog    one log, serialized appends
//	server      registry of data sources hosted by a process
//	link        client view of a server (local or HTTP)
//	client      replica bookkeeping and the sync engine
package delta
