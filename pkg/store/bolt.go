package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/scm/pkg/log"
	bolt "go.etcd.io/bbolt"
)

// BoltKV implements KV on top of a single bbolt database file. Tables
// map one-to-one onto bbolt buckets, created lazily on first write and
// eagerly on Open for the four tables the data model requires.
type BoltKV struct {
	db   *bolt.DB
	path string
}

var requiredTables = []string{TableNodes, TablePipelines, TableContainers, TableMeta}

// Open opens (creating if absent) the bbolt-backed KV store at
// <dataDir>/scm.db, ensuring the tables required by §4.1 exist.
func Open(dataDir string) (*BoltKV, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data dir: %v", ErrIoFailed, err)
	}

	path := filepath.Join(dataDir, "scm.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening bolt db: %v", ErrIoFailed, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, table := range requiredTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(table)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing tables: %v", ErrCorruption, err)
	}

	log.Logger.Info().Str("path", path).Msg("opened persistent kv store")
	return &BoltKV{db: db, path: path}, nil
}

func (b *BoltKV) Get(table string, key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(table))
		if bk == nil {
			return ErrNotFound
		}
		v := bk.Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (b *BoltKV) Put(table string, key, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		return bk.Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrIoFailed, table, err)
	}
	return nil
}

func (b *BoltKV) Delete(table string, key []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(table))
		if bk == nil {
			return nil
		}
		return bk.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrIoFailed, table, err)
	}
	return nil
}

// Batch applies ops inside a single bbolt transaction, so they are
// all-or-nothing within this process as required by §4.1.
func (b *BoltKV) Batch(ops []Op) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			bk, err := tx.CreateBucketIfNotExists([]byte(op.Table))
			if err != nil {
				return err
			}
			switch op.Kind {
			case OpPut:
				if err := bk.Put(op.Key, op.Value); err != nil {
					return err
				}
			case OpDelete:
				if err := bk.Delete(op.Key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: batch: %v", ErrIoFailed, err)
	}
	return nil
}

func (b *BoltKV) Range(table string, from []byte, fn func(key, value []byte) bool) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(table))
		if bk == nil {
			return nil
		}
		c := bk.Cursor()
		var k, v []byte
		if from == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(from)
		}
		for ; k != nil; k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

func (b *BoltKV) ReverseRange(table string, from []byte, fn func(key, value []byte) bool) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(table))
		if bk == nil {
			return nil
		}
		c := bk.Cursor()
		var k, v []byte
		if from == nil {
			k, v = c.Last()
		} else {
			k, v = c.Seek(from)
			if k == nil {
				k, v = c.Last()
			} else if string(k) != string(from) {
				k, v = c.Prev()
			}
		}
		for ; k != nil; k, v = c.Prev() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

// Checkpoint writes a consistent snapshot of the whole store to
// <dir>/scm.db, used by the Replicated Log for take_snapshot and by a
// lagging follower's install_snapshot.
func (b *BoltKV) Checkpoint(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating checkpoint dir: %v", ErrIoFailed, err)
	}
	dest := filepath.Join(dir, "scm.db")
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: creating checkpoint file: %v", ErrIoFailed, err)
	}
	defer f.Close()

	err = b.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(f)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: writing checkpoint: %v", ErrIoFailed, err)
	}
	return nil
}

// WriteTo streams a consistent byte-for-byte copy of the database to w.
func (b *BoltKV) WriteTo(w io.Writer) error {
	err := b.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: streaming snapshot: %v", ErrIoFailed, err)
	}
	return nil
}

// Path returns the data directory backing this store.
func (b *BoltKV) Path() string {
	return filepath.Dir(b.path)
}

// RestoreFromReader writes a byte-for-byte database image read from r
// into <dataDir>/scm.db, staging then renaming so a crash mid-write
// never corrupts the previous file. The caller must close and reopen
// any existing BoltKV over dataDir after this returns; bbolt does not
// support hot-swapping the file backing an open *bolt.DB.
func RestoreFromReader(dataDir string, r io.Reader) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating data dir: %v", ErrIoFailed, err)
	}
	dst := filepath.Join(dataDir, "scm.db")
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: staging snapshot: %v", ErrIoFailed, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing staged snapshot: %v", ErrIoFailed, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing staged snapshot: %v", ErrIoFailed, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("%w: swapping snapshot into place: %v", ErrIoFailed, err)
	}
	return nil
}

// Restore atomically replaces the local database with the checkpoint
// found at <dir>/scm.db, used by install_snapshot.
func Restore(dataDir, checkpointDir string) error {
	src := filepath.Join(checkpointDir, "scm.db")
	dst := filepath.Join(dataDir, "scm.db")
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("%w: reading checkpoint: %v", ErrIoFailed, err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: staging checkpoint: %v", ErrIoFailed, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("%w: swapping checkpoint into place: %v", ErrIoFailed, err)
	}
	return nil
}

func (b *BoltKV) Close() error {
	return b.db.Close()
}
