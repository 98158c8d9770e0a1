// Package cache provides the persistent package cache used by the acquisition
// pipeline.
//
// Records live in a SQLite database (cache.db) inside the cache directory and
// point at artifact files stored next to it as <name>-<version>.whl. A record
// is only ever served while its artifact file exists; a record whose file has
// gone missing is purged the next time it is looked up.
//
// # Example
//
//	store, err := cache.Open(sa.CacheDir())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	pkg, err := store.Lookup(ctx, "requests", cache.Latest)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if pkg == nil {
//	    // cache miss
//	}
package cache
