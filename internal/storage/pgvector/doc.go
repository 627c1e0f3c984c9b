// Package pgvector stores conversation turns in PostgreSQL with the pgvector
// extension and answers semantic recall with the cosine distance operator.
package pgvector
