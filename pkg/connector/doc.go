// Package connector is the root of the format adapter framework that
// persists recorded rows.
//
// # Architecture Overview
//
// The connector tree is organized into several sub-packages:
//
//   - core: the Adapter and HeadSetter contracts, the Format enumeration and
//     the Destination and TextOptions a flush is written with.
//
//   - base: behaviour shared by every adapter. It classifies errors as lock,
//     teardown or fatal, runs the fixed-interval lock retry policy and
//     resolves text encodings.
//
//   - destinations: one adapter per format. xlsx goes through excelize, csv
//     and txt append to the file, json rewrites its array atomically and db
//     writes sqlite tables inside one transaction per flush.
//
//   - registry: a format-keyed factory. Adapters register themselves in init
//     and are resolved from a path extension or an explicit format.
//
// # Writing an adapter
//
// An adapter receives the rows of one flush grouped by table, in the order
// they were added. It must leave the destination unchanged when it reports
// a lock, because the identical batches are written again on the next
// attempt:
//
//	type Adapter interface {
//	    Format() core.Format
//	    Write(ctx context.Context, dest core.Destination, batches []models.Batch) error
//	}
//
// Register it under its format and extensions:
//
//	func init() {
//	    registry.MustRegister(registry.AdapterInfo{
//	        Format:     core.FormatCSV,
//	        Extensions: []string{".csv"},
//	    }, NewCSVDestination)
//	}
//
// # Error handling
//
// Adapters return *recerrors.Error values. ErrorTypeLock marks a destination
// held by another process and is retried; ErrorTypeSchemaWidth and the other
// types abort the flush and the rows stay buffered.
package connector
