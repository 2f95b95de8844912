// Package store keeps a journal of every packet exchanged with the client.
package store

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
)

// Direction of a journaled packet.
type Direction uint8

const (
	Inbound  Direction = 'i'
	Outbound Direction = 'o'
)

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

// Record is one journaled packet.
type Record struct {
	Seq     uint64
	Dir     Direction
	Time    time.Time
	Command uint8 // fixed header byte
	Body    []byte
}

var prefix = []byte("pkt")

type DiskStore struct {
	db *badger.DB

	seqLock sync.Mutex
	seq     uint64
}

func Open(dir string) (*DiskStore, error) {
	opts := badger.DefaultOptions
	opts.Dir, opts.ValueDir = dir, dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}

	s := &DiskStore{db: db}
	if s.seq, err = s.lastSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DiskStore) Close() error {
	return s.db.Close()
}

func key(seq uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], seq)
	return k
}

// continue numbering after records of an earlier run
func (s *DiskStore) lastSeq() (uint64, error) {
	var last uint64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().Key()
			last = binary.BigEndian.Uint64(k[len(prefix):])
		}
		return nil
	})
	return last, err
}

// Record appends a packet. command is the fixed header byte and body the
// bytes after the remaining length.
func (s *DiskStore) Record(dir Direction, command uint8, body []byte) error {
	s.seqLock.Lock()
	s.seq++
	seq := s.seq
	s.seqLock.Unlock()

	val := make([]byte, 0, 10+len(body))
	val = append(val, byte(dir))
	val = append(val, make([]byte, 8)...)
	binary.BigEndian.PutUint64(val[1:], uint64(time.Now().UnixNano()))
	val = append(val, command)
	val = append(val, body...)

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(seq), val)
	})
}

// Walk calls f for every record in sequence order. Records own their memory.
func (s *DiskStore) Walk(f func(Record) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.Key()
			val, err := item.Value()
			if err != nil {
				return err
			}
			if len(val) < 10 {
				return errors.Errorf("journal record %x corrupt", k)
			}

			r := Record{
				Seq:     binary.BigEndian.Uint64(k[len(prefix):]),
				Dir:     Direction(val[0]),
				Time:    time.Unix(0, int64(binary.BigEndian.Uint64(val[1:]))),
				Command: val[9],
				Body:    append([]byte(nil), val[10:]...),
			}
			if err = f(r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Records returns all records in sequence order.
func (s *DiskStore) Records() ([]Record, error) {
	var rs []Record
	err := s.Walk(func(r Record) error {
		rs = append(rs, r)
		return nil
	})
	return rs, err
}
