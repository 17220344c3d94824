package results

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multihash"

	"github.com/saworbit/ringbench/pkg/bench"
)

// Key prefixes inside the history store.
const (
	prefixRun = "run:"
	prefixID  = "id:"
)

const compressionMagic = "RBZ1"

var (
	// ErrNotFound is returned by Get for unknown run ids.
	ErrNotFound = errors.New("run not found")
	// ErrAmbiguousID is returned by Get when a short id matches several runs.
	ErrAmbiguousID = errors.New("run id is ambiguous")
)

// Entry is one stored run.
type Entry struct {
	ID         string
	RecordedAt time.Time
	Result     *bench.Result
}

// History is an append-only store of results, ordered by record time.
type History struct {
	db  *pebble.DB
	now func() time.Time
}

// OpenHistory opens or creates the store in dir.
func OpenHistory(dir string) (*History, error) {
	if dir == "" {
		return nil, fmt.Errorf("history dir is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return &History{db: db, now: time.Now}, nil
}

// Close flushes and closes the store.
func (h *History) Close() error {
	return h.db.Close()
}

// Record stores r and returns its entry. The id is the base58 multihash of
// the persisted JSON, so identical results share an id.
func (h *History) Record(r *bench.Result) (Entry, error) {
	payload, err := Encode(r)
	if err != nil {
		return Entry{}, err
	}

	id, err := contentID(payload)
	if err != nil {
		return Entry{}, err
	}

	at := h.now()
	key := runKey(at, id)

	value, err := compressForStorage(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("compress result: %w", err)
	}

	batch := h.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(key, value, nil); err != nil {
		return Entry{}, fmt.Errorf("write run: %w", err)
	}
	if err := batch.Set([]byte(prefixID+id), key, nil); err != nil {
		return Entry{}, fmt.Errorf("write run index: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return Entry{}, fmt.Errorf("commit run: %w", err)
	}

	return Entry{ID: id, RecordedAt: at, Result: r}, nil
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (h *History) List(limit int) ([]Entry, error) {
	iter, err := newPrefixIter(h.db, prefixRun)
	if err != nil {
		return nil, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	var out []Entry
	for iter.Last(); iter.Valid(); iter.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		e, err := decodeEntry(iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Get returns the run stored under id. A unique prefix of an id, such as
// the short form printed by the history listing, is accepted too.
func (h *History) Get(id string) (Entry, error) {
	full, err := h.resolve(id)
	if err != nil {
		return Entry{}, err
	}

	key, closer, err := h.db.Get([]byte(prefixID + full))
	if errors.Is(err, pebble.ErrNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup run %s: %w", id, err)
	}
	runKey := append([]byte(nil), key...)
	closer.Close()

	value, closer, err := h.db.Get(runKey)
	if err != nil {
		return Entry{}, fmt.Errorf("read run %s: %w", id, err)
	}
	defer closer.Close()
	return decodeEntry(runKey, value)
}

func (h *History) resolve(prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("%w: empty id", ErrNotFound)
	}
	iter, err := newPrefixIter(h.db, prefixID+prefix)
	if err != nil {
		return "", fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	var match string
	for iter.First(); iter.Valid(); iter.Next() {
		id := strings.TrimPrefix(string(iter.Key()), prefixID)
		// An exact id sorts before every longer id it prefixes.
		if id == prefix {
			return id, nil
		}
		if match != "" {
			return "", fmt.Errorf("%w: %s", ErrAmbiguousID, prefix)
		}
		match = id
	}
	if err := iter.Error(); err != nil {
		return "", fmt.Errorf("iterate run ids: %w", err)
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, prefix)
	}
	return match, nil
}

func runKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixRun, at.UnixNano(), id))
}

func decodeEntry(key, value []byte) (Entry, error) {
	rest := strings.TrimPrefix(string(key), prefixRun)
	tsPart, id, ok := strings.Cut(rest, ":")
	if !ok {
		return Entry{}, fmt.Errorf("malformed run key %q", key)
	}
	ns, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("malformed run key %q: %w", key, err)
	}

	payload, err := decompressFromStorage(value)
	if err != nil {
		return Entry{}, fmt.Errorf("decompress run %s: %w", id, err)
	}
	r, err := decode(payload)
	if err != nil {
		return Entry{}, err
	}
	return Entry{ID: id, RecordedAt: time.Unix(0, ns), Result: r}, nil
}

func newPrefixIter(db *pebble.DB, prefix string) (*pebble.Iterator, error) {
	upper := append([]byte(prefix), 0xff)
	return db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
}

func contentID(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("compute multihash: %w", err)
	}
	return mh.B58String(), nil
}

var (
	zstdEncoderOnce sync.Once
	zstdDecoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoder     *zstd.Decoder
	zstdEncoderErr  error
	zstdDecoderErr  error
)

func getZstdEncoder() (*zstd.Encoder, error) {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, zstdEncoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEncoder, zstdEncoderErr
}

func getZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil)
	})
	return zstdDecoder, zstdDecoderErr
}

func compressForStorage(data []byte) ([]byte, error) {
	enc, err := getZstdEncoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, []byte(compressionMagic)), nil
}

// decompressFromStorage accepts raw JSON values as well as compressed ones.
func decompressFromStorage(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(compressionMagic)) {
		return append([]byte(nil), data...), nil
	}
	dec, err := getZstdDecoder()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(data[len(compressionMagic):], nil)
}
