package objstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var errClosed = errors.New("store closed")

// Object bodies live under "o:" and their metadata under "m:". Listing
// walks the metadata prefix only, so it never touches bodies.
const (
	levelObjPrefix  = "o:"
	levelMetaPrefix = "m:"
)

type levelMeta struct {
	Size     int64
	Modified int64
}

// LevelDB stores objects in a local goleveldb database. Entries are never
// evicted: the cache has no expiry and the directory grows with it.
type LevelDB struct {
	db *leveldb.DB
}

func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Put writes body and metadata in one synchronous batch, so a Get after a
// successful Put always observes the value.
func (l *LevelDB) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mb, err := encodeGob(levelMeta{Size: int64(len(data)), Modified: time.Now().Unix()})
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(levelObjPrefix+key), data)
	batch.Put([]byte(levelMetaPrefix+key), mb)
	return mapLevelErr(l.db.Write(batch, &opt.WriteOptions{Sync: true}))
}

func (l *LevelDB) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := l.db.Get([]byte(levelObjPrefix+key), nil)
	if err != nil {
		return nil, mapLevelErr(err)
	}
	return b, nil
}

func (l *LevelDB) Head(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b, err := l.db.Get([]byte(levelMetaPrefix+key), nil)
	if err != nil {
		return 0, mapLevelErr(err)
	}
	var meta levelMeta
	if err := decodeGob(b, &meta); err != nil {
		return 0, err
	}
	return meta.Size, nil
}

func (l *LevelDB) ListPage(ctx context.Context, prefix, startAfter string, limit int) ([]ObjectInfo, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(levelMetaPrefix+prefix)), nil)
	defer it.Release()

	var out []ObjectInfo
	ok := it.First()
	if startAfter != "" {
		ok = it.Seek([]byte(levelMetaPrefix + startAfter))
		if ok && string(it.Key()) == levelMetaPrefix+startAfter {
			ok = it.Next()
		}
	}
	for ; ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var meta levelMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		key := string(bytes.TrimPrefix(it.Key(), []byte(levelMetaPrefix)))
		out = append(out, ObjectInfo{Key: key, Size: meta.Size})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return nil, mapLevelErr(err)
	}
	return out, nil
}

func (l *LevelDB) Close() error { return l.db.Close() }

func mapLevelErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return errClosed
	default:
		return err
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
