// Package db implements the opening and graceful closing of stream store connections.
package db

import (
	"github.com/streamfi/streamd/lib/store"
	"github.com/streamfi/streamd/lib/store/memory"
	"github.com/streamfi/streamd/lib/store/mongo"
	"github.com/streamfi/streamd/lib/store/postgres"
)

const (
	MEMORY   string = "memory"
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
)

// New returns a new stream store connection according to the options (store type).
func New(options, connection string) (store.DB, error) {
	switch options {
	case MEMORY:
		return memory.New(), nil
	case MONGODB:
		return mongo.New(connection)
	case POSTGRES:
		return postgres.New(connection)
	}

	return nil, nil
}

// Close gracefully closes the store connection.
func Close(options string, dh store.DB) error {
	switch options {
	case MONGODB:
		return dh.(*mongo.Mongo).CloseMongo()
	case POSTGRES:
		return dh.(*postgres.Postgres).ClosePostgres()
	}

	// the in-memory store holds no connection
	return nil
}
