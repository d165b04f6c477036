// Package ingest drives block ingestion for one chain at a time.
//
// A Driver is a two-state machine:
//
//   - Backfilling: when the chain has a start block, the driver walks
//     [cursor+1, min(end_block, head-lag)] in batches with FetchRange and
//     publishes every block in ascending order. The target is re-evaluated
//     after each batch so a long backfill keeps up with a moving head.
//   - Live: the driver follows the adapter's head subscription. Heads at or
//     below the cursor were already produced and are skipped. A head above
//     cursor+1 exposes a gap, which is fetched and published before the head
//     itself.
//
// The cursor only moves after the topic acknowledged a block, one block at a
// time, and is persisted after every move. A failed cycle is retried with
// backoff. The driver becomes terminal on a ConfigurationFatal error, on a
// ProtocolDecode error that repeats after one retry, or after
// MaxConsecutiveFailures failed cycles without progress.
//
// RunAll runs several drivers side by side. A terminal chain never stops the
// others.
package ingest
