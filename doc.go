/*
Package tabdb is an embedded, schema-driven tabular storage client: typed
rows in tables with declared columns and indexes, on top of a cursor-based
provider (see package provider).

We implement:

1. Schemas, declared in code (AddTable, AddIndex) or loaded from JSON
(ParseSchema), and applied idempotently with EnsureSchema.

2. Rows, staged column by column (Row.SetString, Row.SetDword, ...) and
written with a single accessor by Row.FinishUpdate.

3. Queries over an index, either an exact match (Query.RunExact) or a
prefix range (Query.RunRange).

4. Nested transaction scopes (DB.Begin), collapsed into one physical
transaction.

# Technical Details

**Bindings.**
Column values travel between the client and the provider inside a byte
buffer. Each value is preceded by a 4-byte little-endian length, and a
binding records the column ordinal (1-based, 0 is the bookmark), type and
offsets. A zero length means NULL, so reads of NULL columns (and of empty
binary values) return ErrNotFound.

**Value encoding**:
1. dword: 4 bytes little-endian.
2. bool: 2 bytes, 0xFFFF for true and 0x0000 for false.
3. text: UTF-16LE with a 2-byte null terminator.
4. binary: raw bytes.
5. timestamp: year (int16), month, day, hour, minute, second (uint16) and
nanoseconds (uint32), UTC, millisecond precision.

**Cursors.**
Each table has a change cursor shared by all rows of the table, and a read
cursor for FirstRow/NextRow. Creating an index requires closing both, which
EnsureSchema does when no rows or results of the table are outstanding.

**Transactions.**
Begin increments a nesting counter and starts a physical transaction on
0→1; Commit and Rollback decrement it and finish the physical transaction
on 1→0. A Rollback at any depth dooms the whole transaction.
*/
package tabdb
