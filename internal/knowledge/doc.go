// Package knowledge provides the document memory and knowledge-graph stores
// used by the memory tools. The in-memory implementations live here; SQL
// backed ones are in internal/storage/sqlstore.
package knowledge
