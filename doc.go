// Package hmdb provides an embeddable, persistent key-value store made of typed
// tables that share one append-only log file.
//
// # Overview
//
// A [Schema] owns the log file, one mutex and a set of [Table] values. Tables are
// declared with [NewTable] and bound to a schema by [Open], which replays the log
// into one in-memory map per table. Every read is served from memory; every write
// is appended to the log and fsync'ed before the call returns.
//
//	words := hmdb.NewTable[string, uint64]("word_counts")
//	db, err := hmdb.Open("data/words.log", nil, words)
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//	if err := words.Insert("hello", 1); err != nil {
//		return err
//	}
//
// # Transactions
//
// [Schema.Update] and [Transact] run a function under the schema lock. Writes made
// through [Table.In] views are buffered and appended as a single commit record when
// the function returns without error, so a transaction is either fully present in
// the log or absent from it.
//
// # Concurrency: One Lock
//
// All operations on a schema, reads included, are serialized by a single exclusive
// lock. The order in which callers acquire it is the order of the log, so replay
// after a crash reproduces exactly the state that callers observed. The lock is
// not reentrant: a transaction function must only use the views of its [Tx].
//
// # Limitations
//
// The log is never compacted. Only one process may use a log file at a time.
package hmdb
