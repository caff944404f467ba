// Package sqlitekv is an ordered, embeddable Backend implementation
// backed by modernc.org/sqlite (spec §4.6 "Prefix-Keyed Backend"),
// substituting for the RocksDB engine the original used.
//
// A single table holds every keyspace, tagged by a one-byte keyspace
// column the way the original tagged raw RocksDB keys with a leading
// 'm'/'a'/'e' byte: 'm' for backend metadata (sequence number), 'a' for
// application key/value pairs, 'e' for expiries. Keys and values are
// data.Value, gob-encoded to bytes so the full Data universe survives
// the round trip.
package sqlitekv

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SiChiTong/broker/backend"
	"github.com/SiChiTong/broker/data"
)

const (
	keyspaceMeta = "m"
	keyspaceApp  = "a"
	keyspaceExp  = "e"

	metaSeqKey = "seq"
)

const schema = `
CREATE TABLE IF NOT EXISTS broker_kv (
	keyspace TEXT NOT NULL,
	key      BLOB NOT NULL,
	value    BLOB NOT NULL,
	PRIMARY KEY (keyspace, key)
);
`

// Backend is a sqlite-backed implementation of backend.Backend.
type Backend struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database at path and
// returns a ready Backend. path may be ":memory:" for a private,
// in-process database (useful in tests without pulling in memkv).
func Open(path string) (*Backend, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(60000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: open: %w", err)
	}
	// A single connection avoids SQLITE_BUSY storms under WAL; every
	// statement, read or write, shares it, so a Rows must be closed before
	// the next statement can run.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitekv: migrate: %w", err)
	}
	b := &Backend{db: db}
	if err := b.ensureSeqRow(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureSeqRow() error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := b.db.Exec(
			`INSERT OR IGNORE INTO broker_kv (keyspace, key, value) VALUES (?, ?, ?)`,
			keyspaceMeta, []byte(metaSeqKey), encodeUint64(0),
		)
		return err
	})
}

func encodeUint64(v uint64) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(v)
	return buf.Bytes()
}

func decodeUint64(b []byte) (uint64, error) {
	var v uint64
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func encodeValue(v data.Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeValue(b []byte) (data.Value, error) {
	var v data.Value
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeExpiry(e backend.Expiry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeExpiry(b []byte) (backend.Expiry, error) {
	var e backend.Expiry
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e)
	return e, err
}

func (b *Backend) Sequence() (backend.Seq, error) {
	row := b.db.QueryRow(`SELECT value FROM broker_kv WHERE keyspace = ? AND key = ?`, keyspaceMeta, []byte(metaSeqKey))
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return 0, err
	}
	v, err := decodeUint64(raw)
	return backend.Seq(v), err
}

func (b *Backend) IncreaseSequence() error {
	return retryOp(defaultRetryConfig, func() error {
		return b.withTx(func(tx *sql.Tx) error {
			seq, err := txSequence(tx)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`UPDATE broker_kv SET value = ? WHERE keyspace = ? AND key = ?`,
				encodeUint64(seq+1), keyspaceMeta, []byte(metaSeqKey))
			return err
		})
	})
}

func txSequence(tx *sql.Tx) (uint64, error) {
	row := tx.QueryRow(`SELECT value FROM broker_kv WHERE keyspace = ? AND key = ?`, keyspaceMeta, []byte(metaSeqKey))
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return 0, err
	}
	return decodeUint64(raw)
}

func (b *Backend) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Insert overwrites the mapping for k, and — when expiry is non-nil —
// writes the value and expiry as a single batched write inside one
// transaction (spec §4.6: "An insert that sets both value and expiry
// issues a single batched write").
func (b *Backend) Insert(k, v data.Value, expiry *backend.Expiry) error {
	kb, err := encodeValue(k)
	if err != nil {
		return err
	}
	vb, err := encodeValue(v)
	if err != nil {
		return err
	}
	return retryOp(defaultRetryConfig, func() error {
		return b.withTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(
				`INSERT INTO broker_kv (keyspace, key, value) VALUES (?, ?, ?)
				 ON CONFLICT (keyspace, key) DO UPDATE SET value = excluded.value`,
				keyspaceApp, kb, vb,
			); err != nil {
				return err
			}
			if expiry == nil {
				_, err := tx.Exec(`DELETE FROM broker_kv WHERE keyspace = ? AND key = ?`, keyspaceExp, kb)
				return err
			}
			eb, err := encodeExpiry(*expiry)
			if err != nil {
				return err
			}
			_, err = tx.Exec(
				`INSERT INTO broker_kv (keyspace, key, value) VALUES (?, ?, ?)
				 ON CONFLICT (keyspace, key) DO UPDATE SET value = excluded.value`,
				keyspaceExp, kb, eb,
			)
			return err
		})
	})
}

// Erase removes the value then the expiry for k as two deletes. A
// crash between the two leaves a dangling expiry row with no matching
// value row; every read path below treats that as absent, and Expiries
// deletes it (spec §4.6: erase "is tolerant of a crash between the
// two deletes").
func (b *Backend) Erase(k data.Value) error {
	kb, err := encodeValue(k)
	if err != nil {
		return err
	}
	return retryOp(defaultRetryConfig, func() error {
		if _, err := b.db.Exec(`DELETE FROM broker_kv WHERE keyspace = ? AND key = ?`, keyspaceApp, kb); err != nil {
			return err
		}
		_, err := b.db.Exec(`DELETE FROM broker_kv WHERE keyspace = ? AND key = ?`, keyspaceExp, kb)
		return err
	})
}

func (b *Backend) Expire(k data.Value, expiry backend.Expiry) error {
	kb, err := encodeValue(k)
	if err != nil {
		return err
	}
	return retryOp(defaultRetryConfig, func() error {
		return b.withTx(func(tx *sql.Tx) error {
			cur, ok, err := txLookupExpiry(tx, kb)
			if err != nil {
				return err
			}
			if !ok || !cur.Equal(expiry) {
				// Stale request; a concurrent update changed the expiry.
				return nil
			}
			if _, err := tx.Exec(`DELETE FROM broker_kv WHERE keyspace = ? AND key = ?`, keyspaceApp, kb); err != nil {
				return err
			}
			_, err = tx.Exec(`DELETE FROM broker_kv WHERE keyspace = ? AND key = ?`, keyspaceExp, kb)
			return err
		})
	})
}

func txLookupExpiry(tx *sql.Tx, kb []byte) (backend.Expiry, bool, error) {
	row := tx.QueryRow(`SELECT value FROM broker_kv WHERE keyspace = ? AND key = ?`, keyspaceExp, kb)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return backend.Expiry{}, false, nil
		}
		return backend.Expiry{}, false, err
	}
	e, err := decodeExpiry(raw)
	return e, true, err
}

func (b *Backend) lookupLocked(kb []byte) (data.Value, bool, error) {
	row := b.db.QueryRow(`SELECT value FROM broker_kv WHERE keyspace = ? AND key = ?`, keyspaceApp, kb)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	v, err := decodeValue(raw)
	return v, true, err
}

func (b *Backend) Lookup(k data.Value) (data.Value, error) {
	kb, err := encodeValue(k)
	if err != nil {
		return nil, err
	}
	v, _, err := b.lookupLocked(kb)
	return v, err
}

func (b *Backend) LookupExpiry(k data.Value) (data.Value, *backend.Expiry, error) {
	kb, err := encodeValue(k)
	if err != nil {
		return nil, nil, err
	}
	v, ok, err := b.lookupLocked(kb)
	if err != nil || !ok {
		return v, nil, err
	}
	row := b.db.QueryRow(`SELECT value FROM broker_kv WHERE keyspace = ? AND key = ?`, keyspaceExp, kb)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return v, nil, nil
		}
		return v, nil, err
	}
	e, err := decodeExpiry(raw)
	if err != nil {
		return v, nil, err
	}
	return v, &e, nil
}

func (b *Backend) Exists(k data.Value) (bool, error) {
	kb, err := encodeValue(k)
	if err != nil {
		return false, err
	}
	_, ok, err := b.lookupLocked(kb)
	return ok, err
}

func (b *Backend) Keys() ([]data.Value, error) {
	rows, err := b.db.Query(`SELECT key FROM broker_kv WHERE keyspace = ? ORDER BY key`, keyspaceApp)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []data.Value
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		k, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (b *Backend) Size() (int64, error) {
	row := b.db.QueryRow(`SELECT COUNT(*) FROM broker_kv WHERE keyspace = ?`, keyspaceApp)
	var n int64
	err := row.Scan(&n)
	return n, err
}

func (b *Backend) Snap() (backend.Snapshot, error) {
	seq, err := b.Sequence()
	if err != nil {
		return backend.Snapshot{}, err
	}
	rows, err := b.db.Query(
		`SELECT a.key, a.value, e.value FROM broker_kv a
		 LEFT JOIN broker_kv e ON e.keyspace = ? AND e.key = a.key
		 WHERE a.keyspace = ? ORDER BY a.key`, keyspaceExp, keyspaceApp)
	if err != nil {
		return backend.Snapshot{}, err
	}
	defer rows.Close()

	var entries []backend.SnapshotEntry
	for rows.Next() {
		var kraw, vraw, eraw []byte
		if err := rows.Scan(&kraw, &vraw, &eraw); err != nil {
			return backend.Snapshot{}, err
		}
		k, err := decodeValue(kraw)
		if err != nil {
			return backend.Snapshot{}, err
		}
		v, err := decodeValue(vraw)
		if err != nil {
			return backend.Snapshot{}, err
		}
		var expiry *backend.Expiry
		if eraw != nil {
			e, err := decodeExpiry(eraw)
			if err != nil {
				return backend.Snapshot{}, err
			}
			expiry = &e
		}
		entries = append(entries, backend.SnapshotEntry{Key: k, Entry: backend.Entry{Value: v, Expiry: expiry}})
	}
	if err := rows.Err(); err != nil {
		return backend.Snapshot{}, err
	}
	return backend.Snapshot{Entries: entries, Seq: seq}, nil
}

func (b *Backend) Expiries() ([]backend.KeyExpiry, error) {
	rows, err := b.db.Query(
		`SELECT e.key, e.value, a.key IS NOT NULL FROM broker_kv e
		 LEFT JOIN broker_kv a ON a.keyspace = ? AND a.key = e.key
		 WHERE e.keyspace = ?`, keyspaceApp, keyspaceExp)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backend.KeyExpiry
	for rows.Next() {
		var kraw, eraw []byte
		var live bool
		if err := rows.Scan(&kraw, &eraw, &live); err != nil {
			return nil, err
		}
		// A dangling expiry row with no matching application row is
		// treated as absent and deleted once the scan is done.
		if !live {
			continue
		}
		k, err := decodeValue(kraw)
		if err != nil {
			return nil, err
		}
		e, err := decodeExpiry(eraw)
		if err != nil {
			return nil, err
		}
		out = append(out, backend.KeyExpiry{Key: k, Expiry: e})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	_, err = b.db.Exec(`DELETE FROM broker_kv WHERE keyspace = ? AND key NOT IN (SELECT key FROM broker_kv WHERE keyspace = ?)`, keyspaceExp, keyspaceApp)
	return out, err
}

func (b *Backend) Init(snap backend.Snapshot) error {
	return retryOp(defaultRetryConfig, func() error {
		return b.withTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(`DELETE FROM broker_kv WHERE keyspace IN (?, ?)`, keyspaceApp, keyspaceExp); err != nil {
				return err
			}
			for _, e := range snap.Entries {
				kb, err := encodeValue(e.Key)
				if err != nil {
					return err
				}
				vb, err := encodeValue(e.Value)
				if err != nil {
					return err
				}
				if _, err := tx.Exec(`INSERT INTO broker_kv (keyspace, key, value) VALUES (?, ?, ?)`, keyspaceApp, kb, vb); err != nil {
					return err
				}
				if e.Expiry != nil {
					eb, err := encodeExpiry(*e.Expiry)
					if err != nil {
						return err
					}
					if _, err := tx.Exec(`INSERT INTO broker_kv (keyspace, key, value) VALUES (?, ?, ?)`, keyspaceExp, kb, eb); err != nil {
						return err
					}
				}
			}
			_, err := tx.Exec(`UPDATE broker_kv SET value = ? WHERE keyspace = ? AND key = ?`,
				encodeUint64(uint64(snap.Seq)), keyspaceMeta, []byte(metaSeqKey))
			return err
		})
	})
}

func (b *Backend) Clear() error {
	return retryOp(defaultRetryConfig, func() error {
		return b.withTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(`DELETE FROM broker_kv WHERE keyspace IN (?, ?)`, keyspaceApp, keyspaceExp); err != nil {
				return err
			}
			_, err := tx.Exec(`UPDATE broker_kv SET value = ? WHERE keyspace = ? AND key = ?`,
				encodeUint64(0), keyspaceMeta, []byte(metaSeqKey))
			return err
		})
	})
}

func (b *Backend) Close() error { return b.db.Close() }

// --- typed mutations, mirroring memkv but applied inside one
// transaction so the read-modify-write is atomic against concurrent
// writers serialized by the single-connection pool. ---

func (b *Backend) mutate(k data.Value, modTime time.Time, fn func(cur data.Value, haveCur bool, curExpiry *backend.Expiry) (newVal data.Value, res backend.ModResult, write bool)) (backend.ModResult, error) {
	kb, err := encodeValue(k)
	if err != nil {
		return backend.ModResult{}, err
	}
	var result backend.ModResult
	err = retryOp(defaultRetryConfig, func() error {
		return b.withTx(func(tx *sql.Tx) error {
			var raw []byte
			row := tx.QueryRow(`SELECT value FROM broker_kv WHERE keyspace = ? AND key = ?`, keyspaceApp, kb)
			haveCur := true
			var cur data.Value
			switch err := row.Scan(&raw); err {
			case sql.ErrNoRows:
				haveCur = false
			case nil:
				cur, err = decodeValue(raw)
				if err != nil {
					return err
				}
			default:
				return err
			}
			var curExpiry *backend.Expiry
			if haveCur {
				if e, ok, err := txLookupExpiry(tx, kb); err != nil {
					return err
				} else if ok {
					curExpiry = &e
				}
			}

			newVal, res, write := fn(cur, haveCur, curExpiry)
			result = res
			if !write || res.Status != backend.StatusSuccess {
				return nil
			}
			vb, err := encodeValue(newVal)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO broker_kv (keyspace, key, value) VALUES (?, ?, ?)
				 ON CONFLICT (keyspace, key) DO UPDATE SET value = excluded.value`,
				keyspaceApp, kb, vb,
			); err != nil {
				return err
			}
			if res.Expiry != nil {
				eb, err := encodeExpiry(*res.Expiry)
				if err != nil {
					return err
				}
				if _, err := tx.Exec(
					`INSERT INTO broker_kv (keyspace, key, value) VALUES (?, ?, ?)
					 ON CONFLICT (keyspace, key) DO UPDATE SET value = excluded.value`,
					keyspaceExp, kb, eb,
				); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return result, err
}

func withModTime(existing *backend.Expiry, modTime time.Time) *backend.Expiry {
	if existing == nil {
		return nil
	}
	ne := *existing
	ne.LastModification = modTime
	return &ne
}

func (b *Backend) Increment(k data.Value, by int64, modTime time.Time) (backend.ModResult, error) {
	return b.mutate(k, modTime, func(cur data.Value, haveCur bool, curExpiry *backend.Expiry) (data.Value, backend.ModResult, bool) {
		if !haveCur {
			return data.Int(by), backend.ModResult{Status: backend.StatusSuccess}, true
		}
		switch v := cur.(type) {
		case data.Int:
			ne := withModTime(curExpiry, modTime)
			return data.Int(int64(v) + by), backend.ModResult{Status: backend.StatusSuccess, Expiry: ne}, true
		case data.Count:
			nv := int64(v) + by
			if nv < 0 {
				return nil, backend.ModResult{Status: backend.StatusInvalid}, false
			}
			ne := withModTime(curExpiry, modTime)
			return data.Count(nv), backend.ModResult{Status: backend.StatusSuccess, Expiry: ne}, true
		default:
			return nil, backend.ModResult{Status: backend.StatusInvalid}, false
		}
	})
}

func (b *Backend) AddToSet(k, elem data.Value, modTime time.Time) (backend.ModResult, error) {
	return b.mutate(k, modTime, func(cur data.Value, haveCur bool, curExpiry *backend.Expiry) (data.Value, backend.ModResult, bool) {
		var s data.Set
		if haveCur {
			var isSet bool
			s, isSet = cur.(data.Set)
			if !isSet {
				return nil, backend.ModResult{Status: backend.StatusInvalid}, false
			}
		}
		s.Add(elem)
		ne := withModTime(curExpiry, modTime)
		return s, backend.ModResult{Status: backend.StatusSuccess, Expiry: ne}, true
	})
}

func (b *Backend) RemoveFromSet(k, elem data.Value, modTime time.Time) (backend.ModResult, error) {
	return b.mutate(k, modTime, func(cur data.Value, haveCur bool, curExpiry *backend.Expiry) (data.Value, backend.ModResult, bool) {
		if !haveCur {
			return nil, backend.ModResult{Status: backend.StatusSuccess}, false
		}
		s, isSet := cur.(data.Set)
		if !isSet {
			return nil, backend.ModResult{Status: backend.StatusInvalid}, false
		}
		s.Remove(elem)
		ne := withModTime(curExpiry, modTime)
		return s, backend.ModResult{Status: backend.StatusSuccess, Expiry: ne}, true
	})
}

func (b *Backend) pushVector(k data.Value, items []data.Value, modTime time.Time, left bool) (backend.ModResult, error) {
	return b.mutate(k, modTime, func(cur data.Value, haveCur bool, curExpiry *backend.Expiry) (data.Value, backend.ModResult, bool) {
		var v data.Vector
		if haveCur {
			var isVec bool
			v, isVec = cur.(data.Vector)
			if !isVec {
				return nil, backend.ModResult{Status: backend.StatusInvalid}, false
			}
		}
		if left {
			v.Items = append(append([]data.Value{}, items...), v.Items...)
		} else {
			v.Items = append(v.Items, items...)
		}
		ne := withModTime(curExpiry, modTime)
		return v, backend.ModResult{Status: backend.StatusSuccess, Expiry: ne}, true
	})
}

func (b *Backend) PushLeft(k data.Value, items []data.Value, modTime time.Time) (backend.ModResult, error) {
	return b.pushVector(k, items, modTime, true)
}

func (b *Backend) PushRight(k data.Value, items []data.Value, modTime time.Time) (backend.ModResult, error) {
	return b.pushVector(k, items, modTime, false)
}

func (b *Backend) popVector(k data.Value, modTime time.Time, left bool) (backend.ModResult, error) {
	return b.mutate(k, modTime, func(cur data.Value, haveCur bool, curExpiry *backend.Expiry) (data.Value, backend.ModResult, bool) {
		if !haveCur {
			return nil, backend.ModResult{Status: backend.StatusSuccess}, false
		}
		v, isVec := cur.(data.Vector)
		if !isVec {
			return nil, backend.ModResult{Status: backend.StatusInvalid}, false
		}
		if len(v.Items) == 0 {
			return nil, backend.ModResult{Status: backend.StatusSuccess}, false
		}
		var popped data.Value
		if left {
			popped = v.Items[0]
			v.Items = v.Items[1:]
		} else {
			popped = v.Items[len(v.Items)-1]
			v.Items = v.Items[:len(v.Items)-1]
		}
		ne := withModTime(curExpiry, modTime)
		return v, backend.ModResult{Status: backend.StatusSuccess, Expiry: ne, Popped: popped}, true
	})
}

func (b *Backend) PopLeft(k data.Value, modTime time.Time) (backend.ModResult, error) {
	return b.popVector(k, modTime, true)
}

func (b *Backend) PopRight(k data.Value, modTime time.Time) (backend.ModResult, error) {
	return b.popVector(k, modTime, false)
}
