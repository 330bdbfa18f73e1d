// Package catalog persists the download queue, the offline manga/chapter
// catalog, and the download history in a single SQLite database. It is the
// relational half of the offline store; the JSON sidecars on disk are owned
// by internal/storage.
package catalog
