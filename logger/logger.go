// Package logger is the write ahead log of an environment.
package logger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leftmike/fractal/fttypes"
)

const (
	logVersion = 1

	logHeaderSize = 16
	// type, body length, lsn
	recordPrefixSize = 1 + 4 + 8
	recordSuffixSize = 4
)

var (
	logHeaderSignature = [8]byte{'f', 'r', 'a', 'c', 'w', 'a', 'l', 0}
)

type RecordType byte

const (
	FassociateRecord RecordType = iota + 1
	FcloseRecord
	XBeginRecord
	XCommitRecord
	XAbortRecord
	DictRedirectRecord
	BeginCheckpointRecord
	EndCheckpointRecord
)

var recordTypes = map[RecordType]string{
	FassociateRecord:      "fassociate",
	FcloseRecord:          "fclose",
	XBeginRecord:          "xbegin",
	XCommitRecord:         "xcommit",
	XAbortRecord:          "xabort",
	DictRedirectRecord:    "dictredirect",
	BeginCheckpointRecord: "begin_checkpoint",
	EndCheckpointRecord:   "end_checkpoint",
}

func (rt RecordType) String() string {
	if s, ok := recordTypes[rt]; ok {
		return s
	}
	return fmt.Sprintf("RecordType(%d)", rt)
}

// Record is one decoded log record; only the fields used by its type are set.
type Record struct {
	Type          RecordType
	LSN           fttypes.LSN
	FileNum       fttypes.FileNum
	Fname         string
	TXNID         fttypes.TXNID
	OldFileNum    fttypes.FileNum
	NewFileNum    fttypes.FileNum
	CheckpointLSN fttypes.LSN
}

func (rec Record) String() string {
	switch rec.Type {
	case FassociateRecord, FcloseRecord:
		return fmt.Sprintf("%d %s filenum=%d fname=%s", rec.LSN, rec.Type, rec.FileNum,
			rec.Fname)
	case XBeginRecord, XCommitRecord, XAbortRecord:
		return fmt.Sprintf("%d %s txnid=%d", rec.LSN, rec.Type, rec.TXNID)
	case DictRedirectRecord:
		return fmt.Sprintf("%d %s txnid=%d old=%d new=%d", rec.LSN, rec.Type, rec.TXNID,
			rec.OldFileNum, rec.NewFileNum)
	case EndCheckpointRecord:
		return fmt.Sprintf("%d %s begin=%d", rec.LSN, rec.Type, rec.CheckpointLSN)
	}
	return fmt.Sprintf("%d %s", rec.LSN, rec.Type)
}

type logFile interface {
	io.Writer
	io.ReaderAt
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Sync() error
	Close() error
}

type Logger struct {
	mutex      sync.Mutex
	f          logFile
	fname      string
	size       int64
	lastLSN    fttypes.LSN
	fsyncedLSN fttypes.LSN
	fsyncs     int
	sync       bool
}

// Open opens or creates the log in fname. A partial record at the end of the log, left by
// a crash, is truncated.
func Open(fname string, sync bool) (*Logger, error) {
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	lgr := &Logger{
		f:     f,
		fname: fname,
		sync:  sync,
	}
	err = lgr.readLog(nil)
	if err != nil {
		f.Close()
		return nil, err
	}
	lgr.fsyncedLSN = lgr.lastLSN

	log.WithFields(log.Fields{
		"fname": fname,
		"lsn":   lgr.lastLSN,
	}).Info("log opened")
	return lgr, nil
}

func (lgr *Logger) newLog() error {
	err := lgr.f.Truncate(0)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, logHeaderSize)
	buf = append(buf, logHeaderSignature[:]...)
	buf = append(buf, logVersion)
	buf = append(buf, 0, 0, 0, 0, 0, 0, 0)

	_, err = lgr.f.Write(buf)
	if err != nil {
		return err
	}
	lgr.size = logHeaderSize
	return nil
}

func (lgr *Logger) readLog(fn func(rec Record) error) error {
	fi, err := lgr.f.Stat()
	if err != nil {
		return err
	}
	sz := fi.Size()
	if sz < logHeaderSize {
		if fn != nil {
			return nil
		}
		return lgr.newLog()
	}

	buf := make([]byte, sz)
	_, err = lgr.f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return err
	}

	if !bytes.Equal(buf[0:8], logHeaderSignature[:]) {
		return fmt.Errorf("logger: %s: bad signature: %v", lgr.fname, buf[0:8])
	}
	if buf[8] > logVersion {
		return fmt.Errorf("logger: %s: bad version: %d", lgr.fname, buf[8])
	}

	off := int64(logHeaderSize)
	for off < sz {
		rec, n, err := decodeRecord(buf[off:])
		if err != nil {
			if fn != nil {
				return err
			}
			log.WithFields(log.Fields{
				"fname":  lgr.fname,
				"offset": off,
				"error":  err,
			}).Warn("truncating log")
			err = lgr.f.Truncate(off)
			if err != nil {
				return err
			}
			break
		}
		if fn != nil {
			err = fn(rec)
			if err != nil {
				return err
			}
		}
		lgr.lastLSN = rec.LSN
		off += int64(n)
	}
	lgr.size = off
	return nil
}

// ReadLog calls fn for every record in the log, in order.
func (lgr *Logger) ReadLog(fn func(rec Record) error) error {
	lgr.mutex.Lock()
	defer lgr.mutex.Unlock()

	return lgr.readLog(fn)
}

var errTruncated = errors.New("logger: truncated record")

func decodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < recordPrefixSize {
		return Record{}, 0, errTruncated
	}
	rec := Record{
		Type: RecordType(buf[0]),
		LSN:  fttypes.LSN(binary.BigEndian.Uint64(buf[5:])),
	}
	length := int(binary.BigEndian.Uint32(buf[1:]))
	n := recordPrefixSize + length + recordSuffixSize
	if len(buf) < n {
		return Record{}, 0, errTruncated
	}
	sum := binary.BigEndian.Uint32(buf[recordPrefixSize+length:])
	if uint32(xxhash.Sum64(buf[:recordPrefixSize+length])) != sum {
		return Record{}, 0, fmt.Errorf("logger: bad checksum: lsn %d", rec.LSN)
	}

	body := buf[recordPrefixSize : recordPrefixSize+length]
	var err error
	switch rec.Type {
	case FassociateRecord, FcloseRecord:
		var v uint64
		body, v, err = consumeVarint(body)
		rec.FileNum = fttypes.FileNum(v)
		if err == nil {
			rec.Fname, err = consumeString(body)
		}
	case XBeginRecord, XCommitRecord, XAbortRecord:
		var v uint64
		_, v, err = consumeVarint(body)
		rec.TXNID = fttypes.TXNID(v)
	case DictRedirectRecord:
		var v uint64
		body, v, err = consumeVarint(body)
		rec.TXNID = fttypes.TXNID(v)
		if err == nil {
			body, v, err = consumeVarint(body)
			rec.OldFileNum = fttypes.FileNum(v)
		}
		if err == nil {
			_, v, err = consumeVarint(body)
			rec.NewFileNum = fttypes.FileNum(v)
		}
	case BeginCheckpointRecord:
	case EndCheckpointRecord:
		var v uint64
		_, v, err = consumeVarint(body)
		rec.CheckpointLSN = fttypes.LSN(v)
	default:
		err = fmt.Errorf("logger: bad record type: %d", rec.Type)
	}
	if err != nil {
		return Record{}, 0, err
	}
	return rec, n, nil
}

func consumeVarint(buf []byte) ([]byte, uint64, error) {
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return buf[n:], v, nil
}

func consumeString(buf []byte) (string, error) {
	s, n := protowire.ConsumeString(buf)
	if n < 0 {
		return "", protowire.ParseError(n)
	}
	return s, nil
}

func (lgr *Logger) append(rt RecordType, body []byte) (fttypes.LSN, error) {
	lgr.mutex.Lock()
	defer lgr.mutex.Unlock()

	lsn := lgr.lastLSN + 1
	buf := make([]byte, 0, recordPrefixSize+len(body)+recordSuffixSize)
	buf = append(buf, byte(rt))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(lsn))
	buf = append(buf, body...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(xxhash.Sum64(buf)))

	_, err := lgr.f.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("logger: %s: %w", rt, err)
	}
	lgr.size += int64(len(buf))
	lgr.lastLSN = lsn
	return lsn, nil
}

func (lgr *Logger) LogFassociate(fn fttypes.FileNum, fname string) (fttypes.LSN, error) {
	body := protowire.AppendVarint(nil, uint64(fn))
	return lgr.append(FassociateRecord, protowire.AppendString(body, fname))
}

// LogFclose logs the close of a file and, if fsync is true, makes the log durable
// through the record.
func (lgr *Logger) LogFclose(fn fttypes.FileNum, fname string, fsync bool) (fttypes.LSN,
	error) {

	body := protowire.AppendVarint(nil, uint64(fn))
	lsn, err := lgr.append(FcloseRecord, protowire.AppendString(body, fname))
	if err != nil || !fsync {
		return lsn, err
	}
	return lsn, lgr.FsyncIfLSNNotFsynced(lsn)
}

func (lgr *Logger) LogXBegin(txnid fttypes.TXNID) (fttypes.LSN, error) {
	return lgr.append(XBeginRecord, protowire.AppendVarint(nil, uint64(txnid)))
}

func (lgr *Logger) LogXCommit(txnid fttypes.TXNID) (fttypes.LSN, error) {
	return lgr.append(XCommitRecord, protowire.AppendVarint(nil, uint64(txnid)))
}

func (lgr *Logger) LogXAbort(txnid fttypes.TXNID) (fttypes.LSN, error) {
	return lgr.append(XAbortRecord, protowire.AppendVarint(nil, uint64(txnid)))
}

// LogDictRedirect logs the rollback entry of a dictionary redirect from oldFN to newFN.
func (lgr *Logger) LogDictRedirect(txnid fttypes.TXNID, oldFN, newFN fttypes.FileNum) (
	fttypes.LSN, error) {

	body := protowire.AppendVarint(nil, uint64(txnid))
	body = protowire.AppendVarint(body, uint64(oldFN))
	return lgr.append(DictRedirectRecord, protowire.AppendVarint(body, uint64(newFN)))
}

func (lgr *Logger) LogBeginCheckpoint() (fttypes.LSN, error) {
	return lgr.append(BeginCheckpointRecord, nil)
}

func (lgr *Logger) LogEndCheckpoint(lsn fttypes.LSN) (fttypes.LSN, error) {
	return lgr.append(EndCheckpointRecord, protowire.AppendVarint(nil, uint64(lsn)))
}

// FsyncIfLSNNotFsynced makes the log durable through lsn, if it is not already.
func (lgr *Logger) FsyncIfLSNNotFsynced(lsn fttypes.LSN) error {
	lgr.mutex.Lock()
	defer lgr.mutex.Unlock()

	if lsn <= lgr.fsyncedLSN {
		return nil
	}
	if lgr.sync {
		err := lgr.f.Sync()
		if err != nil {
			return fmt.Errorf("logger: fsync: %w", err)
		}
	}
	lgr.fsyncs += 1
	lgr.fsyncedLSN = lgr.lastLSN
	return nil
}

func (lgr *Logger) LastLSN() fttypes.LSN {
	lgr.mutex.Lock()
	defer lgr.mutex.Unlock()

	return lgr.lastLSN
}

// Fsyncs returns the number of times the log has been made durable.
func (lgr *Logger) Fsyncs() int {
	lgr.mutex.Lock()
	defer lgr.mutex.Unlock()

	return lgr.fsyncs
}

func (lgr *Logger) Close() error {
	lgr.mutex.Lock()
	defer lgr.mutex.Unlock()

	if lgr.lastLSN > lgr.fsyncedLSN && lgr.sync {
		err := lgr.f.Sync()
		if err != nil {
			return err
		}
	}
	return lgr.f.Close()
}
