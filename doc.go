/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# TabletStore: the local storage layer of a columnar analytic backend

TabletStore owns a set of on-disk data directories and the in-memory
registry of tablets stored across them.

A data directory is one physical volume: it carries a cluster identity
file under an exclusive advisory lock, fans tablets out over shard
subdirectories, keeps a rocksdb-backed meta store for tablet headers,
and probes its own health with aligned direct I/O.

A tablet is one physical shard of a table at one schema version,
identified by (tablet id, schema hash). The registry handles creation
with an initial seeded rowset, lookup, schema-change bookkeeping
between base and child tablets, graceful deletion through a trash
pipeline gated on reference counts, and compaction candidate selection.

Layout:

  - tabletserver:          storage engine, background loops
  - tabletserver/catalog:  tablet registry, data directories, rowset writer
  - tabletserver/store:    per-directory store handle
  - common/kvstore:        rocksdb wrapper

*/

package tabletstore
