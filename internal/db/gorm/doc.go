// The store runs on PostgreSQL when the DSN starts with postgres:// and on a
// pure-Go SQLite file otherwise:
//
//	store, err := gorm.NewStore(gorm.Config{
//	    DSN:      "/var/lib/facepay/facepay.db",
//	    LogLevel: logger.Silent,
//	})
//
// Face embeddings are never persisted; they live only in the per-connection
// stream caches.
package gorm
