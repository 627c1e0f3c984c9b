// Package sqlstore persists conversation turns, memory documents and
// knowledge-graph triples in MySQL or SQLite. Embeddings are stored as JSON
// text and similarity is computed in Go over the most recent rows. Schema
// changes come from the embedded files in deploy/migrations.
package sqlstore
