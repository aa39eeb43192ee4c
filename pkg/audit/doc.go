// Package audit records and queries the append-only audit trail.
//
// Every domain mutation runs inside a UnitOfWork and calls Recorder.Record
// through the same transaction, so a change and its audit row commit or roll
// back together. Audit rows are never updated; only Retention deletes them.
//
// Reading the trail goes through Service, which requires audit.read (or
// audit.export for Export) and may run against a read replica:
//
//	uow := audit.NewUnitOfWork(db, 5*time.Second, metrics)
//	err := uow.Do(ctx, func(tx *sql.Tx) error {
//		// lock and mutate the domain row, then
//		_, err := recorder.Record(ctx, tx, rc, audit.Entry{
//			Operation: audit.OperationUpdate,
//			TableName: "clients",
//			RecordID:  id,
//			OldValues: before,
//			NewValues: after,
//		})
//		return err
//	})
//
// Stats are a materialized read model kept in Redis by StatsCache.Run and may
// be a few seconds stale.
package audit
