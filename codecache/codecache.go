// Package codecache persists compiled images in LevelDB so a program is
// compiled once per configuration.
package codecache

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/colorfulnotion/bpfjit/bpf/program"
	"github.com/colorfulnotion/bpfjit/jit"
	"github.com/colorfulnotion/bpfjit/log"
	"github.com/pierrec/lz4/v4"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/crypto/blake2b"
)

const keyVersion = "bpfjit/image/v1"

var (
	imagePrefix = []byte("img:")

	// ErrNotCacheable marks images that refer to other images by address.
	ErrNotCacheable = errors.New("image links other functions")
)

// Key identifies a program compiled under one configuration.
type Key [blake2b.Size256]byte

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(k) {
		return k, fmt.Errorf("bad cache key %q", s)
	}
	copy(k[:], b)
	return k, nil
}

// KeyOf hashes everything that changes the emitted code: the instructions,
// the program metadata and the compiler configuration. The name is not part of it.
func KeyOf(p *program.Program, cfg jit.Config) Key {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(keyVersion))
	cfgJSON, _ := json.Marshal(cfg)
	h.Write(cfgJSON)

	var meta [10]byte
	binary.LittleEndian.PutUint32(meta[0:], p.StackDepth)
	binary.LittleEndian.PutUint32(meta[4:], uint32(p.ProbeLoads))
	if p.FromClassic {
		meta[8] = 1
	}
	if p.IsFunc {
		meta[9] = 1
	}
	h.Write(meta[:])
	for _, insn := range p.Insns {
		b, _ := insn.MarshalBinary()
		h.Write(b)
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// Entry is one cached image.
type Entry struct {
	Name          string    `json:"name"`
	Insns         int       `json:"insns"`
	CodeLen       int       `json:"code_len"`
	ExtableOffset int       `json:"extable_offset"`
	Offsets       []int     `json:"offsets"`
	Stack         int       `json:"stack"`
	Image         []byte    `json:"image"` // code followed by the exception table
	Created       time.Time `json:"created"`
}

// Info summarizes an entry without its bytes.
type Info struct {
	Key     Key
	Name    string
	Insns   int
	CodeLen int
	Stored  int // compressed record size
	Created time.Time
}

type Cache struct {
	db *leveldb.DB
}

// Open opens or creates a cache at path. An empty path keeps it in memory.
func Open(path string) (*Cache, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open cache at %q: %w", path, err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func dbKey(k Key) []byte {
	return append(append([]byte(nil), imagePrefix...), k[:]...)
}

// Put stores img under k.
func (c *Cache) Put(k Key, name string, insns int, img *jit.Image) error {
	if len(img.Funcs) > 1 || img.Pending() {
		return fmt.Errorf("put %s: %w", name, ErrNotCacheable)
	}
	e := Entry{
		Name:          name,
		Insns:         insns,
		CodeLen:       img.Len,
		ExtableOffset: img.ExtableOffset,
		Offsets:       img.Offsets,
		Stack:         img.Stack,
		Image:         img.Buf.Bytes(),
		Created:       time.Now().UTC(),
	}
	raw, err := json.Marshal(&e)
	if err != nil {
		return err
	}
	packed, err := compress(raw)
	if err != nil {
		return fmt.Errorf("compress %s: %w", name, err)
	}
	if err := c.db.Put(dbKey(k), packed, nil); err != nil {
		return fmt.Errorf("put %s: %w", k, err)
	}
	log.Debug(log.CacheModule, "stored", "key", k.String()[:16], "name", name, "raw", len(raw), "stored", len(packed))
	return nil
}

// Get returns (nil, false, nil) when k is absent.
func (c *Cache) Get(k Key) (*Entry, bool, error) {
	packed, err := c.db.Get(dbKey(k), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", k, err)
	}
	e, err := decode(packed)
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", k, err)
	}
	return e, true, nil
}

func (c *Cache) Delete(k Key) error {
	return c.db.Delete(dbKey(k), nil)
}

// List returns every entry in key order.
func (c *Cache) List() ([]Info, error) {
	iter := c.db.NewIterator(util.BytesPrefix(imagePrefix), nil)
	defer iter.Release()
	var out []Info
	for iter.Next() {
		e, err := decode(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("entry %x: %w", iter.Key(), err)
		}
		info := Info{
			Name:    e.Name,
			Insns:   e.Insns,
			CodeLen: e.CodeLen,
			Stored:  len(iter.Value()),
			Created: e.Created,
		}
		copy(info.Key[:], iter.Key()[len(imagePrefix):])
		out = append(out, info)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return out, nil
}

// Purge removes every entry and returns how many there were.
func (c *Cache) Purge() (int, error) {
	iter := c.db.NewIterator(util.BytesPrefix(imagePrefix), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if err := c.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return batch.Len(), nil
}

// Compile returns the cached image of p when there is one and compiles and
// stores it otherwise. Blinded compiles bypass the cache so every load gets
// fresh constants.
func (c *Cache) Compile(comp *jit.Compiler, p *program.Program) (img *jit.Image, hit bool, err error) {
	cfg := comp.Config()
	if cfg.Blinding {
		img, err = comp.Compile(p)
		return img, false, err
	}
	k := KeyOf(p, cfg)
	e, ok, err := c.Get(k)
	if err != nil {
		return nil, false, err
	}
	if ok {
		img, err = comp.Restore(e.Image, e.CodeLen, e.ExtableOffset, e.Offsets, e.Stack)
		if err != nil {
			return nil, false, err
		}
		log.Debug(log.CacheModule, "hit", "key", k.String()[:16], "name", p.Name)
		return img, true, nil
	}
	img, err = comp.Compile(p)
	if err != nil {
		return nil, false, err
	}
	if err := c.Put(k, p.Name, len(p.Insns), img); err != nil {
		if ferr := comp.Free(img); ferr != nil {
			log.Warn(log.CacheModule, "free after failed put", "name", p.Name, "err", ferr)
		}
		return nil, false, err
	}
	return img, false, nil
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(packed []byte) (*Entry, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(packed)))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &e, nil
}
