// Package apijson implements a runtime engine that compiles nested
// JSON query/mutation descriptors (the APIJSON dialect) into
// parameterized SQL.
//
// The root package holds the error taxonomy and shared configuration.
// The engine itself is assembled from the sub-packages:
//
//   - parser: key/operator parsing and request decomposition
//   - condition: the recursive condition tree
//   - compiler: SQL generation for SELECT/INSERT/UPDATE/DELETE/COUNT
//   - txn: transaction lifecycle and ambient propagation
//   - batch: chunked bulk operations
//   - cache: TTL + capacity bounded result cache
//   - pipeline: the parse -> validate -> compile -> execute -> cache
//     coordinator
//   - dialect, dialect/sql: the execution driver boundary
//
// A minimal setup:
//
//	drv, err := sql.Open(dialect.MySQL, dsn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine := pipeline.New(drv, apijson.DefaultConfig())
//	resp := engine.Execute(ctx, "GET", body)
//
// Transport, authentication and schema validation are collaborator
// concerns: the engine consumes an already-parsed body and returns a
// response envelope.
package apijson
