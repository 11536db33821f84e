/*
Package pidb contains a partial secondary-index store which is built on top
of a log-structured key/value store (LevelDB or Badger).

Records are buffered per table into fixed-size batches. Each flushed batch
is stored as a single opaque value and described by a compact filter over
its primary and secondary keys. Batches are aggregated into groups with an
aggregate filter, so lookups by primary or secondary key only need to test
one filter per group, and fetch the few batches whose filters match.

Data Structure Documentation

Namespaces

Every table is a separate namespace. Batches are stored in the table's
namespace, filters and group metadata in the "default" namespace.

    Table namespace:
    +-----------------------------+---------------+
    | sequence id (8 bytes, BE)   | batch block   |
    +-----------------------------+---------------+

    Default namespace:
    +-------------------------------+----------------------------------+
    | "b" + sequence id (8 bytes)   | batch filter record              |
    | "g" + group id (8 bytes)      | group filter                     |
    | "m" + group id (8 bytes)      | group members                    |
    | "s"                           | next sequence id (8 bytes, BE)   |
    +-------------------------------+----------------------------------+

Batch block

A block is a plain series of entries. It is stored snappy-compressed if
that saves at least a quarter of its size.

    +---------+-------+---------+
    | entry 1 |  ...  | entry n |
    +---------+-------+---------+

Batch filter record

    +-----------------------------------+-------------------------------+
    | table name + batch filter (pair)  | compression type (1-byte)     |
    +-----------------------------------+-------------------------------+

Entry and record

Entries and records share the same pair layout. An entry pairs the primary
key with the encoded record, a record pairs each field name with its value.

    +-------------------------+--------+--------------------------+---------+
    | name len (4 bytes, LE)  |  name  | value len (4 bytes, LE)  |  value  |
    +-------------------------+--------+--------------------------+---------+

Filter

    +--------------------------------+-------------------------+
    | bits (multiple of 8 bytes)     |  probe count (1 byte)   |
    +--------------------------------+-------------------------+

Group members

    +----------------+---------------------------------+-------------------+--------------+-------+
    | count (varint) | sequence id 1 (varint)          | table len (varint)| table name   |  ...  |
    +----------------+---------------------------------+-------------------+--------------+-------+

Subsequent sequence ids are delta encoded.
*/
package pidb
