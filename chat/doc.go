// Package chat contains the Telegram bot loop.
//
// StartBot long-polls getUpdates and routes each message: /start sends the
// welcome text, /usage reports the caller's remaining quota, and any
// message holding a supported video link is handed to the pipeline on a
// bounded worker slot so one slow download never stalls polling. Every
// failure kind has its own reply (quota spent with the limit stated, login
// required, video too long with the cap stated, transient network trouble
// with retry guidance) rather than a single generic apology.
//
// The last confirmed update offset is persisted in the kv table so a
// restart does not replay already-answered messages.
package chat
