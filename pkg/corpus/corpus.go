// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edgefuzz/edgefuzz/pkg/db"
	"github.com/edgefuzz/edgefuzz/pkg/hash"
	"github.com/edgefuzz/edgefuzz/pkg/log"
	"github.com/edgefuzz/edgefuzz/pkg/osutil"
	"github.com/edgefuzz/edgefuzz/pkg/signal"
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheSize = 4096

// Corpus is the active set of inputs of one client.
// Every input is stored in its own file named by the content hash,
// only the most recently used inputs are kept in memory.
type Corpus struct {
	mu     sync.RWMutex
	dir    string
	items  []*Item
	bySig  map[hash.Sig]*Item
	cache  *lru.Cache[hash.Sig, []byte]
	signal signal.Signal // total signal of all items
	meta   *db.DB
}

// Meta is the scheduling history of an item that survives restarts.
type Meta struct {
	ExecTime   time.Duration
	Calibrated bool
	Flaky      bool
	Scheduled  uint64 // how many times the item went through the power stage
	Depth      int    // mutation depth from the seeds
}

// Item is a single corpus entry. Data is not part of the item, use Corpus.Data.
// Scheduling fields are updated by the fuzzing loop of the owning client only.
type Item struct {
	Index    int
	Sig      hash.Sig
	Len      int
	Signal   signal.Signal
	PathHash uint64
	Meta

	// Set by the minimizer.
	Favored   bool
	Redundant bool
}

type NewInput struct {
	Data     []byte
	Signal   signal.Signal
	PathHash uint64
	Meta     Meta
}

// Open opens the corpus directory dir, creating it if necessary.
// The scheduling metadata is checkpointed next to it in dir.meta.
// Inputs already present in dir are not loaded, see Stored.
func Open(dir string, cacheSize int) (*Corpus, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if err := osutil.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("failed to create corpus dir: %w", err)
	}
	cache, err := lru.New[hash.Sig, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	metaDB, err := db.Open(filepath.Clean(dir)+".meta", true)
	if err != nil {
		// The recovered part of the database is still usable.
		log.Logf(0, "corpus metadata: %v", err)
		if metaDB == nil {
			return nil, err
		}
	}
	return &Corpus{
		dir:   dir,
		bySig: make(map[hash.Sig]*Item),
		cache: cache,
		meta:  metaDB,
	}, nil
}

func (corpus *Corpus) Dir() string {
	return corpus.dir
}

// Add inserts the input into the corpus. The input file is durably written before
// the item becomes visible. If the same content is already present, Add returns
// the existing item and false.
func (corpus *Corpus) Add(inp NewInput) (*Item, bool, error) {
	sig := hash.Hash(inp.Data)
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	if old := corpus.bySig[sig]; old != nil {
		return old, false, nil
	}
	file := filepath.Join(corpus.dir, sig.String())
	if !osutil.IsExist(file) {
		if err := osutil.WriteFileAtomic(file, inp.Data); err != nil {
			return nil, false, fmt.Errorf("failed to save corpus input: %w", err)
		}
	}
	data := append([]byte{}, inp.Data...)
	item := &Item{
		Index:    len(corpus.items),
		Sig:      sig,
		Len:      len(data),
		Signal:   inp.Signal,
		PathHash: inp.PathHash,
		Meta:     inp.Meta,
	}
	corpus.items = append(corpus.items, item)
	corpus.bySig[sig] = item
	corpus.cache.Add(sig, data)
	corpus.signal.Merge(inp.Signal)
	corpus.saveMetaLocked(item)
	return item, true, nil
}

// Get returns the item with the given index or nil.
func (corpus *Corpus) Get(index int) *Item {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	if index < 0 || index >= len(corpus.items) {
		return nil
	}
	return corpus.items[index]
}

func (corpus *Corpus) Item(sig hash.Sig) *Item {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	return corpus.bySig[sig]
}

// Data returns the input bytes of the item, reloading them from disk if they were evicted.
// The returned slice must not be modified.
func (corpus *Corpus) Data(item *Item) ([]byte, error) {
	if data, ok := corpus.cache.Get(item.Sig); ok {
		return data, nil
	}
	data, err := os.ReadFile(filepath.Join(corpus.dir, item.Sig.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to reload corpus input %v: %w", item.Sig.Short(), err)
	}
	if len(data) != item.Len || hash.Hash(data) != item.Sig {
		return nil, fmt.Errorf("corpus input %v is corrupted on disk", item.Sig.Short())
	}
	corpus.cache.Add(item.Sig, data)
	return data, nil
}

// Resident returns the number of inputs currently held in memory.
func (corpus *Corpus) Resident() int {
	return corpus.cache.Len()
}

func (corpus *Corpus) Items() []*Item {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	return append([]*Item{}, corpus.items...)
}

func (corpus *Corpus) Len() int {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	return len(corpus.items)
}

func (corpus *Corpus) Signal() signal.Signal {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	return corpus.signal.Copy()
}

// Stats is a snapshot of the relevant current state figures.
type Stats struct {
	Items     int
	Signal    int
	Favored   int
	Resident  int
	Calibrate int // items not yet calibrated
}

func (corpus *Corpus) Stats() Stats {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	st := Stats{
		Items:    len(corpus.items),
		Signal:   len(corpus.signal),
		Resident: corpus.cache.Len(),
	}
	for _, item := range corpus.items {
		if item.Favored {
			st.Favored++
		}
		if !item.Calibrated {
			st.Calibrate++
		}
	}
	return st
}

// Stored returns file names of the inputs persisted in the corpus dir,
// including the ones that are not loaded yet.
func (corpus *Corpus) Stored() ([]string, error) {
	return osutil.ListDir(corpus.dir)
}

// UpdateMeta applies fn to the item metadata and checkpoints the result.
func (corpus *Corpus) UpdateMeta(item *Item, fn func(meta *Meta)) {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	fn(&item.Meta)
	corpus.saveMetaLocked(item)
}

// StoredMeta returns the checkpointed metadata for the input with the given hash.
func (corpus *Corpus) StoredMeta(sig hash.Sig) (Meta, bool) {
	corpus.mu.RLock()
	defer corpus.mu.RUnlock()
	rec, ok := corpus.meta.Records[sig.String()]
	if !ok {
		return Meta{}, false
	}
	meta, err := decodeMeta(rec.Val)
	if err != nil {
		return Meta{}, false
	}
	return meta, true
}

// Flush writes pending metadata updates to disk.
func (corpus *Corpus) Flush() error {
	corpus.mu.Lock()
	defer corpus.mu.Unlock()
	return corpus.meta.Flush()
}

func (corpus *Corpus) saveMetaLocked(item *Item) {
	corpus.meta.Save(item.Sig.String(), encodeMeta(item.Meta), item.Scheduled)
}

const (
	metaCalibrated = 1 << iota
	metaFlaky
)

func encodeMeta(meta Meta) []byte {
	buf := new(bytes.Buffer)
	var flags uint8
	if meta.Calibrated {
		flags |= metaCalibrated
	}
	if meta.Flaky {
		flags |= metaFlaky
	}
	binary.Write(buf, binary.LittleEndian, int64(meta.ExecTime))
	binary.Write(buf, binary.LittleEndian, meta.Scheduled)
	binary.Write(buf, binary.LittleEndian, uint32(meta.Depth))
	buf.WriteByte(flags)
	return buf.Bytes()
}

func decodeMeta(data []byte) (Meta, error) {
	var rec struct {
		ExecTime  int64
		Scheduled uint64
		Depth     uint32
		Flags     uint8
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &rec); err != nil {
		return Meta{}, fmt.Errorf("bad metadata record: %w", err)
	}
	return Meta{
		ExecTime:   time.Duration(rec.ExecTime),
		Scheduled:  rec.Scheduled,
		Depth:      int(rec.Depth),
		Calibrated: rec.Flags&metaCalibrated != 0,
		Flaky:      rec.Flags&metaFlaky != 0,
	}, nil
}
