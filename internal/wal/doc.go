// Package wal implements the append-only log shared by every table of a schema.
//
// # File Format
//
// The log is a JSON Lines file. Each line is one [Record]:
//
//	{"v":1,"kind":"commit","tx":"<ksid>","crc":123,"data":{"entries":[...]}}
//
// A commit record holds every [Entry] written by one operation or transaction, so
// a commit is either entirely present on replay or entirely absent. Header records
// describe the tables that wrote the log; a new header is appended whenever the set
// of tables changes.
//
// # Recovery
//
// A record that fails to decode and is the last thing in the file is the result of
// an interrupted write: [Reader] reports it through [Reader.Incomplete] and
// [Recover] truncates it away. A malformed record followed by more data is
// corruption and is reported as a [CorruptError].
//
// # Concurrency
//
// Nothing in this package locks. The owner of a [Writer] must serialize calls.
package wal
